package naming

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatPadsShareToTotalWidth(t *testing.T) {
	require.Equal(t, "a.txt.0_3.fec", Format("a.txt", 0, 3, "fec"))
	require.Equal(t, "a.txt.07_12.fec", Format("a.txt", 7, 12, ".fec"))
	require.Equal(t, "a.txt.11_12.fec", Format("a.txt", 11, 12, ""))
}

func TestParse(t *testing.T) {
	testcases := []struct {
		name  string
		input string
		base  string
		share int
		total int
		ok    bool
	}{
		{name: "simple", input: "a.txt.0_3.fec", base: "a.txt", share: 0, total: 3, ok: true},
		{name: "dotted base", input: "archive.tar.gz.2_5.fec", base: "archive.tar.gz", share: 2, total: 5, ok: true},
		{name: "base looks like chunk", input: "x.1_2.fec.1_3.fec", base: "x.1_2.fec", share: 1, total: 3, ok: true},
		{name: "wrong suffix", input: "a.txt.0_3.bin", ok: false},
		{name: "missing ids", input: "a.txt.fec", ok: false},
		{name: "plain file", input: "notes.md", ok: false},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c, ok := Parse(tc.input, "fec")
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			require.Equal(t, tc.base, c.Base)
			require.Equal(t, tc.share, c.Share)
			require.Equal(t, tc.total, c.Total)
			require.Equal(t, tc.input, c.Name)
		})
	}
}

func TestMatcherIsExactOnBaseName(t *testing.T) {
	m := NewMatcher("a.txt", "fec")
	names := []string{
		"a.txt.2_3.fec",
		"a.txt.0_3.fec",
		"ba.txt.0_3.fec",
		"a.txt.bak.0_3.fec",
		"a.txt.1_3.fec",
		"a_txt.1_3.fec",
		"a.txt",
	}
	chunks := m.Filter(names)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		require.Equal(t, i, c.Share)
		require.Equal(t, "a.txt", c.Base)
	}
}

func TestMatcherQuotesMetacharacters(t *testing.T) {
	m := NewMatcher("report[1]*.csv", "fec")
	_, ok := m.Match("report[1]*.csv.0_2.fec")
	require.True(t, ok)
	_, ok = m.Match("report1x.csv.0_2.fec")
	require.False(t, ok)
}

func TestSortOrdersByShareNumber(t *testing.T) {
	chunks := []Chunk{{Name: "b", Share: 10}, {Name: "a", Share: 2}, {Name: "c", Share: 0}}
	Sort(chunks)
	require.Equal(t, []int{0, 2, 10}, []int{chunks[0].Share, chunks[1].Share, chunks[2].Share})
}
