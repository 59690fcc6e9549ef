package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// the six axis-aligned sides a tunnel part can face
type Facing uint8

const (
	FacingDown Facing = iota
	FacingUp
	FacingNorth
	FacingSouth
	FacingWest
	FacingEast
)

const FacingCount = 6

var facingNames = [FacingCount]string{
	"down",
	"up",
	"north",
	"south",
	"west",
	"east",
}

func (self Facing) Valid() bool {
	return self < FacingCount
}

func (self Facing) String() string {
	if !self.Valid() {
		return fmt.Sprintf("facing(%d)", uint8(self))
	}
	return facingNames[self]
}

// accepts either the side name or the ordinal
func ParseFacing(s string) (Facing, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range facingNames {
		if name == s {
			return Facing(i), nil
		}
	}
	if ordinal, err := strconv.Atoi(s); err == nil {
		if 0 <= ordinal && ordinal < FacingCount {
			return Facing(ordinal), nil
		}
	}
	return 0, &DecodeError{Field: "f", Reason: fmt.Sprintf("unknown facing %q", s)}
}

// LocationKey identifies a tunnel part across the client/server boundary.
// comparable, and safe to use directly as a map key
type LocationKey struct {
	X      int32
	Y      int32
	Z      int32
	Facing Facing
	Dim    int32
}

// x(4) y(4) z(4) facing(1) dim(4), big endian
const LocationByteCount = 17

// DecodeError is returned when location data is malformed or truncated.
type DecodeError struct {
	Field  string
	Reason string
	cause  error
}

func (self *DecodeError) Error() string {
	if self.Field == "" {
		return fmt.Sprintf("location decode: %s", self.Reason)
	}
	return fmt.Sprintf("location decode %s: %s", self.Field, self.Reason)
}

func (self *DecodeError) Unwrap() error {
	return self.cause
}

func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

func (self LocationKey) Equal(other LocationKey) bool {
	return self == other
}

// Hash is a pure function of the five key fields.
func (self LocationKey) Hash() uint64 {
	var b [LocationByteCount]byte
	return xxhash.Sum64(self.AppendBinary(b[:0]))
}

func (self LocationKey) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(self.X))
	b = binary.BigEndian.AppendUint32(b, uint32(self.Y))
	b = binary.BigEndian.AppendUint32(b, uint32(self.Z))
	b = append(b, byte(self.Facing))
	b = binary.BigEndian.AppendUint32(b, uint32(self.Dim))
	return b
}

func (self LocationKey) Bytes() []byte {
	return self.AppendBinary(make([]byte, 0, LocationByteCount))
}

func (self LocationKey) String() string {
	return fmt.Sprintf("%d,%d,%d,%s@%d", self.X, self.Y, self.Z, self.Facing, self.Dim)
}

func WriteLocation(w io.Writer, loc LocationKey) error {
	_, err := w.Write(loc.Bytes())
	return err
}

// DecodeLocation reads the first 17 bytes of `b`. Extra bytes are ignored.
func DecodeLocation(b []byte) (LocationKey, error) {
	if len(b) < LocationByteCount {
		return LocationKey{}, &DecodeError{
			Reason: fmt.Sprintf("truncated, %d of %d bytes", len(b), LocationByteCount),
		}
	}
	facing := Facing(b[12])
	if !facing.Valid() {
		return LocationKey{}, &DecodeError{
			Field:  "f",
			Reason: fmt.Sprintf("facing ordinal %d out of range", b[12]),
		}
	}
	return LocationKey{
		X:      int32(binary.BigEndian.Uint32(b[0:4])),
		Y:      int32(binary.BigEndian.Uint32(b[4:8])),
		Z:      int32(binary.BigEndian.Uint32(b[8:12])),
		Facing: facing,
		Dim:    int32(binary.BigEndian.Uint32(b[13:17])),
	}, nil
}

func ReadLocation(r io.Reader) (LocationKey, error) {
	var b [LocationByteCount]byte
	if n, err := io.ReadFull(r, b[:]); err != nil {
		return LocationKey{}, &DecodeError{
			Reason: fmt.Sprintf("truncated, %d of %d bytes", n, LocationByteCount),
			cause:  err,
		}
	}
	return DecodeLocation(b[:])
}

// LocationCompound writes the structured form. A nil location is an empty compound.
func LocationCompound(loc *LocationKey) *Compound {
	c := NewCompound()
	if loc != nil {
		c.SetInt("x", loc.X)
		c.SetInt("y", loc.Y)
		c.SetInt("z", loc.Z)
		c.SetByte("f", int8(loc.Facing))
		c.SetInt("d", loc.Dim)
	}
	return c
}

func LocationFromCompound(c *Compound) (LocationKey, error) {
	if c == nil {
		return LocationKey{}, &DecodeError{Reason: "missing compound"}
	}
	var loc LocationKey
	for _, field := range []struct {
		name string
		v    *int32
	}{
		{"x", &loc.X},
		{"y", &loc.Y},
		{"z", &loc.Z},
		{"d", &loc.Dim},
	} {
		v, ok := c.Int(field.name)
		if !ok {
			return LocationKey{}, &DecodeError{Field: field.name, Reason: "missing int"}
		}
		*field.v = v
	}
	f, ok := c.Byte("f")
	if !ok {
		return LocationKey{}, &DecodeError{Field: "f", Reason: "missing byte"}
	}
	if f < 0 || !Facing(f).Valid() {
		return LocationKey{}, &DecodeError{
			Field:  "f",
			Reason: fmt.Sprintf("facing ordinal %d out of range", f),
		}
	}
	loc.Facing = Facing(f)
	return loc, nil
}

// ParseLocation parses the `String` form, `x,y,z,facing@dim`.
// The dimension defaults to 0 when omitted.
func ParseLocation(s string) (LocationKey, error) {
	s = strings.TrimSpace(s)
	dim := int32(0)
	if i := strings.LastIndex(s, "@"); 0 <= i {
		d, err := strconv.ParseInt(s[i+1:], 10, 32)
		if err != nil {
			return LocationKey{}, &DecodeError{Field: "d", Reason: err.Error(), cause: err}
		}
		dim = int32(d)
		s = s[:i]
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return LocationKey{}, &DecodeError{Reason: fmt.Sprintf("expected x,y,z,facing but got %q", s)}
	}
	var coords [3]int32
	for i, name := range []string{"x", "y", "z"} {
		v, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 32)
		if err != nil {
			return LocationKey{}, &DecodeError{Field: name, Reason: err.Error(), cause: err}
		}
		coords[i] = int32(v)
	}
	facing, err := ParseFacing(parts[3])
	if err != nil {
		return LocationKey{}, err
	}
	return LocationKey{
		X:      coords[0],
		Y:      coords[1],
		Z:      coords[2],
		Facing: facing,
		Dim:    dim,
	}, nil
}

// Part is a placed tunnel part as seen by the host.
type Part interface {
	Position() (x int32, y int32, z int32)
	Side() Facing
	Dimension() int32
}

func LocationOf(part Part) LocationKey {
	x, y, z := part.Position()
	return LocationKey{
		X:      x,
		Y:      y,
		Z:      z,
		Facing: part.Side(),
		Dim:    part.Dimension(),
	}
}
