package clickhouse

import (
	"strings"
	"testing"
	"time"

	"github.com/fidde/radar/pkg/models"
)

func TestTimeConversion(t *testing.T) {
	if got := toCH(time.Time{}); !got.Equal(epoch) {
		t.Errorf("toCH(zero) = %v, want epoch", got)
	}
	if got := fromCH(epoch); !got.IsZero() {
		t.Errorf("fromCH(epoch) = %v, want zero time", got)
	}

	local := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	got := fromCH(toCH(local))
	if !got.Equal(local) || got.Location() != time.UTC {
		t.Errorf("round trip = %v, want %v in UTC", got, local)
	}
}

func TestPaged(t *testing.T) {
	tests := []struct {
		name     string
		conds    []string
		filter   models.RecordFilter
		wantSQL  string
		wantArgs int
	}{
		{
			name:     "no conditions uses default limit",
			wantSQL:  "SELECT x FROM t ORDER BY id DESC LIMIT ? OFFSET ?",
			wantArgs: 2,
		},
		{
			name:     "conditions joined with AND",
			conds:    []string{"a = ?", "b = ?"},
			filter:   models.RecordFilter{Limit: 5, Offset: -3},
			wantSQL:  "SELECT x FROM t WHERE a = ? AND b = ? ORDER BY id DESC LIMIT ? OFFSET ?",
			wantArgs: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args []any
			for range tt.conds {
				args = append(args, "v")
			}
			sql, got := paged("SELECT x FROM t", tt.conds, args, "id DESC", tt.filter)
			if strings.TrimSpace(sql) != tt.wantSQL {
				t.Errorf("sql = %q, want %q", sql, tt.wantSQL)
			}
			if len(got) != tt.wantArgs {
				t.Fatalf("got %d args, want %d", len(got), tt.wantArgs)
			}
			if got[len(got)-2] != tt.filter.EffectiveLimit() {
				t.Errorf("limit arg = %v, want %d", got[len(got)-2], tt.filter.EffectiveLimit())
			}
			if got[len(got)-1] != max(tt.filter.Offset, 0) {
				t.Errorf("offset arg = %v, want non-negative offset", got[len(got)-1])
			}
		})
	}
}

func TestOwnedFilter(t *testing.T) {
	conds, args := ownedFilter(models.RecordFilter{RequestID: "r1", Since: time.Unix(100, 0)})
	if len(conds) != 2 || len(args) != 2 {
		t.Fatalf("expected two conditions, got %v %v", conds, args)
	}
	if args[1] != "r1" {
		t.Errorf("request id arg = %v, want r1", args[1])
	}

	conds, _ = ownedFilter(models.RecordFilter{})
	if len(conds) != 0 {
		t.Errorf("expected no conditions for empty filter, got %v", conds)
	}
}
