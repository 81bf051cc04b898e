package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasfw/rasfw/internal/image"
)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func builtImage(t *testing.T, rootfs string) ([]byte, *image.Validated) {
	t.Helper()
	img, err := image.Build([]byte("kernel"), []byte(rootfs))
	require.NoError(t, err)
	v, err := image.Validate(img)
	require.NoError(t, err)
	return img, v
}

func TestImageCIDDeterministic(t *testing.T) {
	a, err := ImageCID([]byte("image"))
	require.NoError(t, err)
	b, err := ImageCID([]byte("image"))
	require.NoError(t, err)
	c, err := ImageCID([]byte("other"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, uint64(1), a.Version())
}

func TestRecordAndGet(t *testing.T) {
	c := openCatalog(t)
	img, v := builtImage(t, "rootfs")

	rec, err := c.Record(img, v, "fw.bin")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, len(img), rec.Size)
	assert.Equal(t, image.KernelCapacity, rec.KernelLen)
	assert.Equal(t, 6, rec.FSLen)
	assert.Equal(t, "ubifs", rec.FSType)
	assert.True(t, rec.MagicOK)
	assert.Equal(t, uint32(1), rec.Validations)

	got, err := c.Get(rec.CID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, got)
}

func TestRecordRefreshKeepsIdentity(t *testing.T) {
	c := openCatalog(t)
	img, v := builtImage(t, "rootfs")

	first, err := c.Record(img, v, "a.bin")
	require.NoError(t, err)
	second, err := c.Record(img, v, "b.bin")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.Equal(t, "b.bin", second.Source)
	assert.Equal(t, uint32(2), second.Validations)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetUnknownAndInvalid(t *testing.T) {
	c := openCatalog(t)

	id, err := ImageCID([]byte("never recorded"))
	require.NoError(t, err)

	rec, err := c.Get(id.String())
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = c.Get("not-a-cid")
	assert.ErrorIs(t, err, ErrInvalidCID)
}

func TestScanAndDelete(t *testing.T) {
	c := openCatalog(t)

	var cids []string
	for _, fs := range []string{"one", "two", "three"} {
		img, v := builtImage(t, fs)
		rec, err := c.Record(img, v, fs)
		require.NoError(t, err)
		cids = append(cids, rec.CID)
	}

	seen := map[string]bool{}
	err := c.Scan(func(rec *Record) error {
		seen[rec.CID] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)

	require.NoError(t, c.Delete(cids[0]))
	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("image;"), prefixUpperBound([]byte("image:")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xFF})[:1])
	assert.Nil(t, prefixUpperBound([]byte{0xFF, 0xFF}))
}
