package tunnel

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
)

// Record is the live state of one tunnel endpoint.
// Records are produced by the sync source. The view only stores and compares them.
type Record struct {
	Location LocationKey
	// 0 is unbound
	Frequency int64
	// true for the source side of a frequency, false for an input/sink
	Output bool
	Error  bool
	Name   string
}

func (self *Record) Bound() bool {
	return self.Frequency != 0 && !self.Error
}

func (self *Record) String() string {
	side := "in"
	if self.Output {
		side = "out"
	}
	return fmt.Sprintf("%s[%s %s %s]", self.Name, self.Location, FormatFrequency(self.Frequency), side)
}

// FormatFrequency renders the frequency as upper hex in groups of four digits,
// dropping leading zero groups.
func FormatFrequency(frequency int64) string {
	hex := fmt.Sprintf("%016X", uint64(frequency))
	groups := []string{}
	for i := 0; i < len(hex); i += 4 {
		group := hex[i : i+4]
		if len(groups) == 0 && group == "0000" && i+4 < len(hex) {
			continue
		}
		groups = append(groups, group)
	}
	return strings.Join(groups, " ")
}

// yaml form of a record in a records file
type recordEntry struct {
	Location  *Compound `yaml:"location"`
	Frequency int64     `yaml:"frequency"`
	Output    bool      `yaml:"output"`
	Error     bool      `yaml:"error"`
	Name      string    `yaml:"name"`
}

type recordsFile struct {
	Tunnels []recordEntry `yaml:"tunnels"`
}

// ParseRecords reads a yaml records document. Entries with a malformed location are
// dropped and logged, the rest of the document is kept.
func ParseRecords(b []byte) ([]*Record, error) {
	var file recordsFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(file.Tunnels))
	for i, entry := range file.Tunnels {
		loc, err := LocationFromCompound(entry.Location)
		if err != nil {
			glog.Infof("[records]drop entry %d (%s) = %s\n", i, entry.Name, err)
			continue
		}
		records = append(records, &Record{
			Location:  loc,
			Frequency: entry.Frequency,
			Output:    entry.Output,
			Error:     entry.Error,
			Name:      entry.Name,
		})
	}
	return records, nil
}

func LoadRecordsFile(path string) ([]*Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRecords(b)
}

func MarshalRecords(records []*Record) ([]byte, error) {
	file := recordsFile{
		Tunnels: make([]recordEntry, 0, len(records)),
	}
	for _, record := range records {
		file.Tunnels = append(file.Tunnels, recordEntry{
			Location:  LocationCompound(&record.Location),
			Frequency: record.Frequency,
			Output:    record.Output,
			Error:     record.Error,
			Name:      record.Name,
		})
	}
	return yaml.Marshal(&file)
}

// DiffRecords returns the batch that takes a view from `previous` to `next`:
// a merge of the changed records, or a replace when any record was removed.
// Returns nil when nothing changed.
func DiffRecords(previous []*Record, next []*Record) *RecordBatch {
	previousRecords := map[LocationKey]Record{}
	for _, record := range previous {
		previousRecords[record.Location] = *record
	}
	nextLocations := map[LocationKey]bool{}
	changed := []*Record{}
	for _, record := range next {
		nextLocations[record.Location] = true
		if previousRecord, ok := previousRecords[record.Location]; !ok || previousRecord != *record {
			changed = append(changed, record)
		}
	}
	for location := range previousRecords {
		if !nextLocations[location] {
			return NewReplaceBatch(next)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return NewMergeBatch(changed)
}
