package call

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testClassifier() *Classifier {
	return NewClassifier(map[string]Mapping{
		"loc-1": {
			EntranceCodes:       []string{"01001"},
			ApartmentExtensions: []string{"2014"},
		},
	}, slog.Default())
}

func TestClassify(t *testing.T) {
	c := testClassifier()

	tests := []struct {
		name       string
		locationID string
		callTo     string
		want       RingKind
	}{
		{"building_entrance_code", "loc-1", "01001", RingEntrance},
		{"apartment_extension", "loc-1", "2014", RingApartment},
		{"unmapped_destination", "loc-1", "9999", RingUnknown},
		{"empty_destination", "loc-1", "", RingUnknown},
		{"unconfigured_location", "loc-2", "01001", RingUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.locationID, tt.callTo))
		})
	}
}

func TestRecordTime(t *testing.T) {
	r := Record{Date: 1700000000000}
	assert.Equal(t, int64(1700000000), r.Time().Unix())
}
