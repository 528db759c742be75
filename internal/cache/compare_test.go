package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/winpatch/internal/patching"
)

func TestCompareClassifiesNewUpdatedUnchanged(t *testing.T) {
	c := newTestCache(t, time.Now())
	require.NoError(t, c.Upsert(patching.SourceWinget, "A", "1.0"))
	require.NoError(t, c.Upsert(patching.SourceWinget, "B", "2.0"))

	changes := NewComparator(c).Compare([]Package{
		{Name: "C", Version: "3.0"},
		{Name: "A", Version: "1.0"},
		{Name: "B", Version: "2.1"},
	}, patching.SourceWinget)

	require.Len(t, changes, 2)
	assert.Equal(t, Change{Name: "C", Version: "3.0", ChangeType: ChangeNew, PreviousVersion: NotAvailable}, changes[0])
	assert.Equal(t, Change{Name: "B", Version: "2.1", ChangeType: ChangeUpdated, PreviousVersion: "2.0"}, changes[1])
}

func TestCompareIsPerSource(t *testing.T) {
	c := newTestCache(t, time.Now())
	require.NoError(t, c.Upsert(patching.SourceChocolatey, "git", "2.44.0"))

	changes := NewComparator(c).Compare([]Package{{Name: "git", Version: "2.44.0"}}, patching.SourceWinget)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeNew, changes[0].ChangeType)
}

func TestCompareEmptyInput(t *testing.T) {
	c := newTestCache(t, time.Now())
	assert.Empty(t, NewComparator(c).Compare(nil, patching.SourceStore))
}

func TestSemverComparator(t *testing.T) {
	tests := []struct {
		cached, current string
		changed         bool
	}{
		{"1.2", "1.2.0", false},
		{"v1.2.3", "1.2.3", false},
		{"1.2.3", "1.2.4", true},
		{"1.2.3.4", "1.2.3.4", false},
		{"1.2.3.4", "1.2.3.5", true},
		{"", "1.0.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.cached+"->"+tt.current, func(t *testing.T) {
			assert.Equal(t, tt.changed, SemverComparator{}.Changed(tt.cached, tt.current))
		})
	}
}

func TestWithComparatorOverridesOneSource(t *testing.T) {
	c := newTestCache(t, time.Now())
	require.NoError(t, c.Upsert(patching.SourceWinget, "A", "1.2"))
	require.NoError(t, c.Upsert(patching.SourceChocolatey, "a", "1.2"))
	current := []Package{{Name: "A", Version: "1.2.0"}}

	cmp := NewComparator(c, WithComparator(patching.SourceWinget, SemverComparator{}))
	assert.Empty(t, cmp.Compare(current, patching.SourceWinget))
	assert.Len(t, cmp.Compare([]Package{{Name: "a", Version: "1.2.0"}}, patching.SourceChocolatey), 1)
}

func TestComparatorByName(t *testing.T) {
	vc, err := ComparatorByName("SemVer")
	require.NoError(t, err)
	assert.IsType(t, SemverComparator{}, vc)

	vc, err = ComparatorByName("")
	require.NoError(t, err)
	assert.IsType(t, StringComparator{}, vc)

	_, err = ComparatorByName("calver")
	assert.Error(t, err)
}
