//go:build linux

package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func domCPUList(t *Topology, dom int) []int {
	var out []int
	for c := 0; c < t.NrCPUs; c++ {
		if t.DomCPUs[dom].IsSet(c) {
			out = append(out, c)
		}
	}
	return out
}

func TestFromCpumasks(t *testing.T) {
	t.Run("two_domain_partition", func(t *testing.T) {
		top, err := FromCpumasks([]string{"0xff", "0xff00"}, 16)
		require.NoError(t, err)

		assert.Equal(t, 2, top.NrDoms)
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, domCPUList(top, 0))
		assert.Equal(t, []int{8, 9, 10, 11, 12, 13, 14, 15}, domCPUList(top, 1))
		for c := 0; c < 16; c++ {
			assert.NotEqual(t, NoDom, top.CPUDom[c], "cpu %d", c)
		}
	})

	t.Run("partition_is_disjoint_and_complete", func(t *testing.T) {
		top, err := FromCpumasks([]string{"0x5", "0xa", "0xf0"}, 8)
		require.NoError(t, err)

		seen := map[int]int{}
		for dom := 0; dom < top.NrDoms; dom++ {
			for _, c := range domCPUList(top, dom) {
				_, dup := seen[c]
				require.False(t, dup, "cpu %d in two domains", c)
				seen[c] = dom
				assert.Equal(t, dom, top.CPUDom[c])
			}
		}
		assert.Len(t, seen, 8)
	})

	t.Run("overlap_rejected", func(t *testing.T) {
		_, err := FromCpumasks([]string{"0x3", "0x2"}, 2)
		require.ErrorIs(t, err, ErrCPUDoubleAssigned)
		assert.Contains(t, err.Error(), "cpu 1")
	})

	t.Run("uncovered_cpu_rejected", func(t *testing.T) {
		_, err := FromCpumasks([]string{"0x1"}, 2)
		require.ErrorIs(t, err, ErrCPUUnassigned)
	})

	t.Run("cpu_out_of_range_rejected", func(t *testing.T) {
		_, err := FromCpumasks([]string{"0x10"}, 4)
		require.ErrorIs(t, err, ErrCPUOutOfRange)
	})

	t.Run("too_many_domains_rejected", func(t *testing.T) {
		masks := make([]string, 65)
		for i := range masks {
			masks[i] = "0x1"
		}
		_, err := FromCpumasks(masks, 4)
		require.ErrorIs(t, err, ErrTooManyDoms)
	})
}

// writeCacheIDs lays out a fake sysfs tree. A negative id means the CPU
// has no id file (offline).
func writeCacheIDs(t *testing.T, level uint32, ids []int) {
	t.Helper()
	dir := t.TempDir()
	for cpu, id := range ids {
		if id < 0 {
			continue
		}
		p := filepath.Join(dir, fmt.Sprintf("cpu%d/cache/index%d", cpu, level))
		require.NoError(t, os.MkdirAll(p, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(p, "id"), []byte(fmt.Sprintf("%d\n", id)), 0o644))
	}
	prev := sysCPUDir
	sysCPUDir = dir
	t.Cleanup(func() { sysCPUDir = prev })
}

func TestFromCacheLevel(t *testing.T) {
	t.Run("groups_by_cache_id", func(t *testing.T) {
		writeCacheIDs(t, 3, []int{7, 7, 12, 12})

		top, offline, err := FromCacheLevel(3, 4)
		require.NoError(t, err)

		assert.Equal(t, 0, offline)
		assert.Equal(t, 2, top.NrDoms)
		assert.Equal(t, []int{0, 1}, domCPUList(top, 0))
		assert.Equal(t, []int{2, 3}, domCPUList(top, 1))
		assert.Equal(t, []int{0, 0, 1, 1}, top.CPUDom)
	})

	t.Run("cache_id_holes_leave_no_domain_holes", func(t *testing.T) {
		writeCacheIDs(t, 3, []int{42, 3, 42, 3})

		top, _, err := FromCacheLevel(3, 4)
		require.NoError(t, err)

		assert.Equal(t, 2, top.NrDoms)
		// id 3 sorts first and becomes domain 0
		assert.Equal(t, []int{1, 0, 1, 0}, top.CPUDom)
	})

	t.Run("offline_cpu_has_no_domain_but_sits_in_dom0_mask", func(t *testing.T) {
		writeCacheIDs(t, 3, []int{5, -1, 9, 9})

		top, offline, err := FromCacheLevel(3, 4)
		require.NoError(t, err)

		assert.Equal(t, 1, offline)
		assert.Equal(t, 2, top.NrDoms)
		assert.Equal(t, NoDom, top.CPUDom[1])
		assert.True(t, top.DomCPUs[0].IsSet(1))
		assert.Equal(t, []int{0, 1}, domCPUList(top, 0))
		assert.Equal(t, []int{2, 3}, domCPUList(top, 1))
	})

	t.Run("malformed_id_rejected", func(t *testing.T) {
		dir := t.TempDir()
		p := filepath.Join(dir, "cpu0/cache/index3")
		require.NoError(t, os.MkdirAll(p, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(p, "id"), []byte("junk\n"), 0o644))
		prev := sysCPUDir
		sysCPUDir = dir
		t.Cleanup(func() { sysCPUDir = prev })

		_, _, err := FromCacheLevel(3, 1)
		require.ErrorIs(t, err, ErrBadCacheID)
	})

	t.Run("all_offline_rejected", func(t *testing.T) {
		writeCacheIDs(t, 3, []int{-1, -1})

		_, _, err := FromCacheLevel(3, 2)
		require.Error(t, err)
	})
}
