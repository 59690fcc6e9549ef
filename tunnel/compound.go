package tunnel

import (
	"fmt"
	"math"
	"strconv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

type TagType int

const (
	TagByte TagType = iota
	TagShort
	TagInt
	TagLong
	TagString
)

func (self TagType) String() string {
	switch self {
	case TagByte:
		return "byte"
	case TagShort:
		return "short"
	case TagInt:
		return "int"
	case TagLong:
		return "long"
	case TagString:
		return "string"
	default:
		return fmt.Sprintf("tag(%d)", int(self))
	}
}

type tag struct {
	tagType TagType
	i       int64
	s       string
}

// Compound is a flat container of named, typed fields.
// Integer getters widen narrower tags and refuse values that do not fit.
// The zero value is an empty compound.
type Compound struct {
	tags map[string]tag
}

func NewCompound() *Compound {
	return &Compound{
		tags: map[string]tag{},
	}
}

func (self *Compound) SetByte(name string, v int8) {
	self.set(name, tag{tagType: TagByte, i: int64(v)})
}

func (self *Compound) SetShort(name string, v int16) {
	self.set(name, tag{tagType: TagShort, i: int64(v)})
}

func (self *Compound) SetInt(name string, v int32) {
	self.set(name, tag{tagType: TagInt, i: int64(v)})
}

func (self *Compound) SetLong(name string, v int64) {
	self.set(name, tag{tagType: TagLong, i: v})
}

func (self *Compound) SetString(name string, v string) {
	self.set(name, tag{tagType: TagString, s: v})
}

func (self *Compound) set(name string, t tag) {
	if self.tags == nil {
		self.tags = map[string]tag{}
	}
	self.tags[name] = t
}

func (self *Compound) integer(name string, maxType TagType) (int64, bool) {
	t, ok := self.tags[name]
	if !ok || t.tagType == TagString || maxType < t.tagType {
		return 0, false
	}
	return t.i, true
}

func (self *Compound) Byte(name string) (int8, bool) {
	v, ok := self.integer(name, TagByte)
	return int8(v), ok
}

func (self *Compound) Short(name string) (int16, bool) {
	v, ok := self.integer(name, TagShort)
	return int16(v), ok
}

func (self *Compound) Int(name string) (int32, bool) {
	v, ok := self.integer(name, TagInt)
	return int32(v), ok
}

func (self *Compound) Long(name string) (int64, bool) {
	return self.integer(name, TagLong)
}

func (self *Compound) StringValue(name string) (string, bool) {
	t, ok := self.tags[name]
	if !ok || t.tagType != TagString {
		return "", false
	}
	return t.s, true
}

func (self *Compound) Type(name string) (TagType, bool) {
	t, ok := self.tags[name]
	return t.tagType, ok
}

func (self *Compound) Has(name string) bool {
	_, ok := self.tags[name]
	return ok
}

func (self *Compound) Len() int {
	return len(self.tags)
}

func (self *Compound) Keys() []string {
	keys := maps.Keys(self.tags)
	slices.Sort(keys)
	return keys
}

// smallest integer width that holds v
func integerTagType(v int64) TagType {
	switch {
	case math.MinInt8 <= v && v <= math.MaxInt8:
		return TagByte
	case math.MinInt16 <= v && v <= math.MaxInt16:
		return TagShort
	case math.MinInt32 <= v && v <= math.MaxInt32:
		return TagInt
	default:
		return TagLong
	}
}

func (self *Compound) MarshalYAML() (any, error) {
	node := &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
	}
	for _, name := range self.Keys() {
		t := self.tags[name]
		valueNode := &yaml.Node{Kind: yaml.ScalarNode}
		if t.tagType == TagString {
			valueNode.Tag = "!!str"
			valueNode.Value = t.s
		} else {
			valueNode.Tag = "!!int"
			valueNode.Value = strconv.FormatInt(t.i, 10)
		}
		node.Content = append(
			node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			valueNode,
		)
	}
	return node, nil
}

func (self *Compound) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("compound must be a mapping (line %d)", node.Line)
	}
	tags := map[string]tag{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]
		if valueNode.Kind != yaml.ScalarNode {
			return fmt.Errorf("compound field %s must be a scalar (line %d)", keyNode.Value, valueNode.Line)
		}
		switch valueNode.ShortTag() {
		case "!!int":
			var v int64
			if err := valueNode.Decode(&v); err != nil {
				return err
			}
			tags[keyNode.Value] = tag{tagType: integerTagType(v), i: v}
		default:
			tags[keyNode.Value] = tag{tagType: TagString, s: valueNode.Value}
		}
	}
	self.tags = tags
	return nil
}
