package tunnel

import (
	"cmp"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/text/search"
)

// rows per scrollbar page
const PageSize = 23

// keeps default ordered records above the selection buckets,
// assuming frequencies fit in a 16-bit range
const frequencyOffset = int64(math.MaxInt16)

// baseline buckets for the selected frequency group.
// the input side of the selected frequency sorts ahead of the selection itself
const (
	baselineSelectedInput  = int64(-3)
	baselineSelected       = int64(-2)
	baselineSelectedOutput = int64(-1)
)

const (
	rankSelected       = int64(math.MinInt64)
	rankSelectedInput  = int64(math.MinInt64 + 1)
	rankSelectedOutput = int64(math.MinInt64 + 2)
)

// ViewQuery is the search text and visibility toggles owned by the caller.
// It is passed into every pipeline run.
type ViewQuery struct {
	Search      string
	HideIn      bool
	HideOut     bool
	HideBound   bool
	HideUnbound bool
}

// Scrollbar is told the item range after every structural change.
type Scrollbar interface {
	SetRange(min int, max int, pageSize int)
}

type NoScrollbar struct{}

func (self NoScrollbar) SetRange(min int, max int, pageSize int) {}

type TunnelViewSettings struct {
	// rows visible at once, used to compute the scroll range
	VisibleRows int
}

func DefaultTunnelViewSettings() *TunnelViewSettings {
	return &TunnelViewSettings{
		VisibleRows: PageSize,
	}
}

// TunnelView keeps the master record map and two views derived from it:
// the baseline order and the filtered, ranked order shown to the user.
// Both views are rebuilt from the master map on every change.
//
// A view is driven from a single thread of control and does no locking.
type TunnelView struct {
	filter    FilterEngine
	scrollbar Scrollbar
	settings  *TunnelViewSettings

	master   map[LocationKey]*Record
	baseline []*Record
	filtered []*Record
	// a key, not a record, so a removed record resolves to no selection
	selected *LocationKey

	matcher *search.Matcher
}

func NewTunnelViewWithDefaults(filter FilterEngine, scrollbar Scrollbar) *TunnelView {
	return NewTunnelView(filter, scrollbar, DefaultTunnelViewSettings())
}

func NewTunnelView(filter FilterEngine, scrollbar Scrollbar, settings *TunnelViewSettings) *TunnelView {
	if filter == nil {
		filter = NewQueryFilter()
	}
	if scrollbar == nil {
		scrollbar = NoScrollbar{}
	}
	// each view owns its settings
	viewSettings := *settings
	return &TunnelView{
		filter:    filter,
		scrollbar: scrollbar,
		settings:  &viewSettings,
		master:    map[LocationKey]*Record{},
		baseline:  []*Record{},
		filtered:  []*Record{},
		matcher:   newFoldMatcher(),
	}
}

func (self *TunnelView) SetVisibleRows(visibleRows int) {
	self.settings.VisibleRows = visibleRows
}

// ReplaceAll clears the master map and loads `records`. For a duplicate location the last record wins.
func (self *TunnelView) ReplaceAll(records []*Record, query ViewQuery) {
	clear(self.master)
	self.put(records)
	self.Refresh(query)
	self.updateScrollbar()
}

// Merge inserts or overwrites `records` and keeps every other existing entry.
func (self *TunnelView) Merge(records []*Record, query ViewQuery) {
	self.put(records)
	self.Refresh(query)
	self.updateScrollbar()
}

func (self *TunnelView) put(records []*Record) {
	for _, record := range records {
		if record == nil {
			continue
		}
		self.master[record.Location] = record
	}
}

// Select sets the selection when `location` is in the master map and clears it otherwise.
// Returns false on a selection miss. Either way the views are rebuilt.
func (self *TunnelView) Select(location *LocationKey, query ViewQuery) bool {
	hit := true
	if location == nil {
		self.selected = nil
	} else if _, ok := self.master[*location]; ok {
		selected := *location
		self.selected = &selected
	} else {
		glog.V(1).Infof("[view]selection miss %s\n", location)
		self.selected = nil
		hit = false
	}
	self.Refresh(query)
	return hit
}

// Refresh rebuilds the baseline from the master map, then refilters.
func (self *TunnelView) Refresh(query ViewQuery) {
	self.resort()
	self.Refilter(query)
}

func (self *TunnelView) resort() {
	selectedRecord := self.SelectedRecord()

	baseline := maps.Values(self.master)
	// a fixed starting order so that equal sort keys do not depend on map iteration
	slices.SortFunc(baseline, func(a *Record, b *Record) int {
		return compareLocation(a.Location, b.Location)
	})
	keys := make(map[LocationKey]int64, len(baseline))
	for _, record := range baseline {
		keys[record.Location] = self.baselineKey(record, selectedRecord)
	}
	slices.SortStableFunc(baseline, func(a *Record, b *Record) int {
		return cmp.Compare(keys[a.Location], keys[b.Location])
	})
	self.baseline = baseline
}

func (self *TunnelView) baselineKey(record *Record, selectedRecord *Record) int64 {
	switch {
	case self.isSelected(record):
		return baselineSelected
	case inSelectedGroup(record, selectedRecord) && !record.Output:
		return baselineSelectedInput
	case inSelectedGroup(record, selectedRecord):
		return baselineSelectedOutput
	default:
		return record.Frequency + frequencyOffset
	}
}

// Refilter applies the query to the current baseline and ranks the survivors.
func (self *TunnelView) Refilter(query ViewQuery) {
	self.filter.UpdateQuery(strings.ToLower(query.Search))
	activeFilters := self.filter.ActiveFilters()
	selectedRecord := self.SelectedRecord()

	type rankedRecord struct {
		record *Record
		rank   int64
	}
	ranked := []rankedRecord{}
	for _, record := range self.baseline {
		if !self.keep(record, query, activeFilters) {
			continue
		}
		ranked = append(ranked, rankedRecord{
			record: record,
			rank:   self.rank(record, selectedRecord, activeFilters),
		})
	}
	slices.SortStableFunc(ranked, func(a rankedRecord, b rankedRecord) int {
		return cmp.Compare(a.rank, b.rank)
	})

	filtered := make([]*Record, 0, len(ranked))
	for _, r := range ranked {
		filtered = append(filtered, r.record)
	}
	self.filtered = filtered
	glog.V(2).Infof("[view]refilter %d/%d\n", len(filtered), len(self.baseline))
}

func (self *TunnelView) keep(record *Record, query ViewQuery, activeFilters map[FilterCategory][]string) bool {
	// the selection is always shown
	if self.isSelected(record) {
		return true
	}
	if query.HideIn && !record.Output {
		return false
	}
	if query.HideOut && record.Output {
		return false
	}
	if query.HideBound && record.Frequency != 0 && !record.Error {
		return false
	}
	if query.HideUnbound && (record.Error || record.Frequency == 0) {
		return false
	}
	for category, terms := range activeFilters {
		if !self.filter.Matches(category, record, terms) {
			return false
		}
	}
	return true
}

func (self *TunnelView) rank(record *Record, selectedRecord *Record, activeFilters map[FilterCategory][]string) int64 {
	switch {
	case self.isSelected(record):
		return rankSelected
	case inSelectedGroup(record, selectedRecord) && !record.Output:
		return rankSelectedInput
	case inSelectedGroup(record, selectedRecord):
		return rankSelectedOutput
	}
	if nameTerms, ok := activeFilters[FilterName]; ok {
		return nameRank(self.matcher, record.Name, nameTerms)
	}
	rank := record.Frequency + frequencyOffset
	if !record.Output {
		rank -= 1
	}
	return rank
}

// more distinct hits rank quadratically better; for equal hits a shorter residual name wins
func nameRank(matcher *search.Matcher, name string, terms []string) int64 {
	hits, residual := countNameHits(matcher, name, terms)
	return -(hits * hits) + int64(utf8.RuneCountInString(residual))
}

func (self *TunnelView) isSelected(record *Record) bool {
	return self.selected != nil && *self.selected == record.Location
}

func inSelectedGroup(record *Record, selectedRecord *Record) bool {
	return selectedRecord != nil && record.Frequency != 0 && record.Frequency == selectedRecord.Frequency
}

func (self *TunnelView) updateScrollbar() {
	size := len(self.master)
	maxIndex := min(max(size-self.settings.VisibleRows, 0), size)
	self.scrollbar.SetRange(0, maxIndex, PageSize)
}

// Selected returns the selected location, or nil when there is no selection
// or the selected record is gone.
func (self *TunnelView) Selected() *LocationKey {
	if self.selected == nil {
		return nil
	}
	if _, ok := self.master[*self.selected]; !ok {
		return nil
	}
	selected := *self.selected
	return &selected
}

func (self *TunnelView) SelectedRecord() *Record {
	if self.selected == nil {
		return nil
	}
	return self.master[*self.selected]
}

func (self *TunnelView) Get(location LocationKey) (*Record, bool) {
	record, ok := self.master[location]
	return record, ok
}

// FindInput returns an input on `frequency`. Which one is returned when there are
// several is not defined.
func (self *TunnelView) FindInput(frequency int64) *Record {
	for _, record := range self.baseline {
		if record.Frequency == frequency && !record.Output {
			return record
		}
	}
	return nil
}

func (self *TunnelView) FindAnyOutput(frequency int64) *Record {
	for _, record := range self.baseline {
		if record.Frequency == frequency && record.Output {
			return record
		}
	}
	return nil
}

func (self *TunnelView) Size() int {
	return len(self.master)
}

func (self *TunnelView) Baseline() []*Record {
	return slices.Clone(self.baseline)
}

func (self *TunnelView) Filtered() []*Record {
	return slices.Clone(self.filtered)
}

func compareLocation(a LocationKey, b LocationKey) int {
	if c := cmp.Compare(a.Dim, b.Dim); c != 0 {
		return c
	}
	if c := cmp.Compare(a.X, b.X); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Z, b.Z); c != 0 {
		return c
	}
	return cmp.Compare(a.Facing, b.Facing)
}
