// Package catalog keeps a persistent record of validated firmware images,
// keyed by the content identifier of the whole image file.
package catalog

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/rasfw/rasfw/internal/image"
	"github.com/rasfw/rasfw/internal/metrics"
)

const keyPrefix = "image:"

var (
	ErrInvalidCID = errors.New("invalid image cid")
)

// Record describes a validated image
type Record struct {
	ID          string `json:"id"`
	CID         string `json:"cid"`
	Source      string `json:"source,omitempty"`
	Size        int    `json:"size"`
	KernelLen   int    `json:"kernel_len"`
	FSLen       int    `json:"fs_len"`
	FSType      string `json:"fs_type"`
	ImageType   uint8  `json:"image_type"`
	CRC32       uint32 `json:"crc32"`
	FSCRC32     uint32 `json:"fs_crc32"`
	SHA256      string `json:"sha256"`
	MagicOK     bool   `json:"magic_ok"`
	FirstSeen   int64  `json:"first_seen"`   // Unix milliseconds
	ValidatedAt int64  `json:"validated_at"` // Unix milliseconds
	Validations uint32 `json:"validations"`
}

// Catalog stores image records in Pebble
type Catalog struct {
	db *pebble.DB
	mu sync.Mutex
}

// Open opens or creates a catalog in dir
func Open(dir string) (*Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	c := &Catalog{
		db: db,
	}

	n, err := c.Count()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to scan catalog: %w", err)
	}
	metrics.CatalogRecords.Set(float64(n))

	return c, nil
}

// ImageCID returns the CIDv1 (raw + sha2-256) of a whole image file
func ImageCID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Record stores or refreshes the record for a validated image.
// The ID and first-seen time of an existing record are kept.
func (c *Catalog) Record(data []byte, v *image.Validated, source string) (*Record, error) {
	id, err := ImageCID(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compute image cid: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.get(id.String())
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	created := rec == nil
	if created {
		rec = &Record{
			ID:        uuid.NewString(),
			CID:       id.String(),
			FirstSeen: now,
		}
	}

	t := v.Trailer
	rec.Source = source
	rec.Size = len(data)
	rec.KernelLen = v.KernelLen
	rec.FSLen = v.FSLen
	rec.FSType = t.FSType.String()
	rec.ImageType = t.ImageType
	rec.CRC32 = t.CRC32
	rec.FSCRC32 = t.FSCRC32
	rec.SHA256 = hex.EncodeToString(t.SHA256[:])
	rec.MagicOK = t.HasValidMagic()
	rec.ValidatedAt = now
	rec.Validations++

	if err := c.put(rec); err != nil {
		return nil, err
	}
	if created {
		metrics.CatalogRecords.Inc()
	}
	return rec, nil
}

// Get retrieves a record by CID; it returns nil if the image is unknown
func (c *Catalog) Get(cidStr string) (*Record, error) {
	id, err := cid.Decode(cidStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	return c.get(id.String())
}

func (c *Catalog) get(key string) (*Record, error) {
	value, closer, err := c.db.Get([]byte(keyPrefix + key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return &rec, nil
}

func (c *Catalog) put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.db.Set([]byte(keyPrefix+rec.CID), data, pebble.Sync)
}

// Delete removes a record
func (c *Catalog) Delete(cidStr string) error {
	id, err := cid.Decode(cidStr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.get(id.String())
	if err != nil || rec == nil {
		return err
	}
	if err := c.db.Delete([]byte(keyPrefix+id.String()), pebble.Sync); err != nil {
		return err
	}
	metrics.CatalogRecords.Dec()
	return nil
}

// Scan iterates over all records in key order
func (c *Catalog) Scan(callback func(*Record) error) error {
	prefix := []byte(keyPrefix)
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", iter.Key(), err)
		}
		if err := callback(&rec); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Count returns the number of records
func (c *Catalog) Count() (int, error) {
	n := 0
	err := c.Scan(func(*Record) error {
		n++
		return nil
	})
	return n, err
}

// Close closes the catalog
func (c *Catalog) Close() error {
	return c.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
