package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "/a/b", []byte("hello"), 0))

	data, ok, err := s.Load(ctx, "/a/b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
}

func TestStoreSaveThreadsMode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "/bin/app", []byte("elf"), 0755))

	e, ok, err := s.LoadEntry(ctx, "/bin/app")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(0755), e.Mode)
}

func TestStoreLoadMissingReturnsFalse(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Load(context.Background(), "/nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreSaveOverwritesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "/k", []byte("v1"), 0))
	require.NoError(t, s.Save(ctx, "/k", []byte("v2"), 0))

	data, ok, err := s.Load(ctx, "/k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(data))
}

func TestStoreDeleteReportsWhetherSomethingWasRemoved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "/x", []byte("1"), 0))

	ok, err := s.Delete(ctx, "/x")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete(ctx, "/x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreExistsTracksPresence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "/y")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Save(ctx, "/y", []byte("1"), 0))

	ok, err = s.Exists(ctx, "/y")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreListMatchesPrefixOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "/cfg/a", []byte("1"), 0))
	require.NoError(t, s.Save(ctx, "/cfg/b", []byte("1"), 0))
	require.NoError(t, s.Save(ctx, "/other/c", []byte("1"), 0))
	require.NoError(t, s.Save(ctx, "/cfg_x/d", []byte("1"), 0)) // shares the "/cfg" stem but not the "/cfg/" prefix

	paths, err := s.List(ctx, "/cfg/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/cfg/a", "/cfg/b"}, paths)
}

func TestStoreListLiteralUnderscoreDoesNotWildcardMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "/a_b/x", []byte("1"), 0))
	require.NoError(t, s.Save(ctx, "/aXb/x", []byte("1"), 0))

	paths, err := s.List(ctx, "/a_b/")
	require.NoError(t, err)
	require.Equal(t, []string{"/a_b/x"}, paths)
}

func TestStoreTotalSizeSumsBlobLengths(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "/a", []byte("12345"), 0))
	require.NoError(t, s.Save(ctx, "/b", []byte("12"), 0))

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), total)
}

func TestStoreClearRemovesEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "/a", []byte("1"), 0))
	require.NoError(t, s.Clear(ctx))

	_, ok, err := s.Load(ctx, "/a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreExportImportRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveEntry(ctx, Entry{
		Path: "/a", Data: []byte("x"), Mode: 0644, Owner: 1, Group: 2, Mtime: time.Unix(1000, 0),
	}))

	entries, err := s.Export(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	s2 := openTestStore(t)
	require.NoError(t, s2.Import(ctx, entries))

	e, ok, err := s2.LoadEntry(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(e.Data))
	require.Equal(t, uint32(0644), e.Mode)
}

func TestStoreMetaRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Meta(ctx, "last_boot")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetMeta(ctx, "last_boot", "0xCAFE"))

	v, ok, err := s.Meta(ctx, "last_boot")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0xCAFE", v)
}
