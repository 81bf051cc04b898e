package firmware

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rasfw/rasfw/internal/catalog"
	"github.com/rasfw/rasfw/internal/fileio"
	"github.com/rasfw/rasfw/internal/image"
	"github.com/rasfw/rasfw/internal/metrics"
	"github.com/rasfw/rasfw/internal/trailer"
)

// Recorder stores validated images
type Recorder interface {
	Record(data []byte, v *image.Validated, source string) (*catalog.Record, error)
}

// Report describes a validated image
type Report struct {
	Source    string          `json:"source"`
	Size      int             `json:"size"`
	KernelLen int             `json:"kernel_len"`
	FSLen     int             `json:"fs_len"`
	Trailer   trailer.Summary `json:"trailer"`
	Record    *catalog.Record `json:"record,omitempty"`

	raw *trailer.Trailer
}

// RawTrailer returns the decoded trailer behind the report
func (r *Report) RawTrailer() *trailer.Trailer {
	return r.raw
}

// Manager runs test, inspect, extract and create over a file source and sink
type Manager struct {
	src      fileio.Source
	sink     fileio.Sink
	recorder Recorder
}

// NewManager creates a new manager; recorder may be nil
func NewManager(src fileio.Source, sink fileio.Sink, recorder Recorder) *Manager {
	return &Manager{
		src:      src,
		sink:     sink,
		recorder: recorder,
	}
}

// Test reads and validates the image at path
func (m *Manager) Test(path string) (*Report, error) {
	data, err := m.src.ReadFile(path)
	if err != nil {
		return nil, err
	}
	report, _, err := m.validate(data, path)
	return report, err
}

// ValidateBytes validates an in-memory image; source labels logs and records
func (m *Manager) ValidateBytes(data []byte, source string) (*Report, error) {
	report, _, err := m.validate(data, source)
	return report, err
}

func (m *Manager) validate(data []byte, source string) (*Report, *image.Validated, error) {
	metrics.ImageBytes.WithLabelValues("validate").Observe(float64(len(data)))

	v, err := image.Validate(data)
	if err != nil {
		metrics.ValidationsTotal.WithLabelValues(validationResult(err)).Inc()
		log.Warn().Err(err).Str("image", source).Int("size", len(data)).Msg("image failed validation")
		return nil, nil, err
	}
	metrics.ValidationsTotal.WithLabelValues(metrics.ResultOK).Inc()

	if !v.Trailer.HasValidMagic() {
		log.Warn().Str("image", source).Uint32("magic", v.Trailer.Magic).Msg("trailer magic does not match")
	}

	report := newReport(source, v)

	if m.recorder != nil {
		rec, err := m.recorder.Record(data, v, source)
		if err != nil {
			// The image itself is valid; a catalog failure does not change that
			log.Error().Err(err).Str("image", source).Msg("failed to record image in catalog")
		} else {
			report.Record = rec
		}
	}

	log.Debug().
		Str("image", source).
		Int("kernel_len", v.KernelLen).
		Int("fs_len", v.FSLen).
		Msg("image validated")

	return report, v, nil
}

// Inspect decodes the trailer of the image at path without integrity checks
func (m *Manager) Inspect(path string) (*trailer.Trailer, error) {
	data, err := m.src.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return InspectBytes(data)
}

// InspectBytes decodes the trailer of an in-memory image without integrity checks
func InspectBytes(data []byte) (*trailer.Trailer, error) {
	_, t, err := image.Split(data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Extract validates the image at path and writes its kernel and rootfs regions
func (m *Manager) Extract(path, kernelOut, rootfsOut string) (*Report, error) {
	data, err := m.src.ReadFile(path)
	if err != nil {
		return nil, err
	}

	report, v, err := m.validate(data, path)
	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}

	if err := m.sink.WriteFile(kernelOut, v.Kernel()); err != nil {
		metrics.ExtractionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	if err := m.sink.WriteFile(rootfsOut, v.RootFS()); err != nil {
		metrics.ExtractionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	metrics.ExtractionsTotal.WithLabelValues(metrics.ResultOK).Inc()

	log.Info().
		Str("image", path).
		Str("kernel", kernelOut).
		Int("kernel_len", v.KernelLen).
		Str("rootfs", rootfsOut).
		Int("fs_len", v.FSLen).
		Msg("image extracted")

	return report, nil
}

// Create builds an image from kernel and rootfs files and writes it to out
func (m *Manager) Create(out, kernelPath, rootfsPath string, opts image.BuildOptions) (*Report, error) {
	kernel, err := m.src.ReadFile(kernelPath)
	if err != nil {
		return nil, err
	}
	// Reject an oversized kernel before reading the rootfs
	if len(kernel) > image.KernelCapacity {
		metrics.BuildsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("%s: %w", kernelPath,
			&image.BuildError{Size: int64(len(kernel)), Limit: image.KernelCapacity, Err: image.ErrKernelTooLarge})
	}

	rootfs, err := m.src.ReadFile(rootfsPath)
	if err != nil {
		return nil, err
	}

	data, err := BuildBytes(kernel, rootfs, opts)
	if err != nil {
		return nil, err
	}

	if err := m.sink.WriteFile(out, data); err != nil {
		return nil, err
	}

	_, t, err := image.Split(data)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("image", out).
		Int("kernel_len", len(kernel)).
		Int("fs_len", len(rootfs)).
		Str("fs_type", t.FSType.String()).
		Msg("image built")

	return &Report{
		Source:    out,
		Size:      len(data),
		KernelLen: image.KernelCapacity,
		FSLen:     len(rootfs),
		Trailer:   t.Summarize(),
		raw:       t,
	}, nil
}

// BuildBytes builds an image in memory and records build metrics
func BuildBytes(kernel, rootfs []byte, opts image.BuildOptions) ([]byte, error) {
	data, err := image.BuildWithOptions(kernel, rootfs, opts)
	if err != nil {
		metrics.BuildsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	metrics.BuildsTotal.WithLabelValues(metrics.ResultOK).Inc()
	metrics.ImageBytes.WithLabelValues("build").Observe(float64(len(data)))
	return data, nil
}

func newReport(source string, v *image.Validated) *Report {
	return &Report{
		Source:    source,
		Size:      v.Size(),
		KernelLen: v.KernelLen,
		FSLen:     v.FSLen,
		Trailer:   v.Trailer.Summarize(),
		raw:       v.Trailer,
	}
}

// validationResult maps a validation error to its metrics label
func validationResult(err error) string {
	if check := image.FailedCheck(err); check != "" {
		return string(check)
	}
	if errors.Is(err, image.ErrTooSmall) {
		return "too_small"
	}
	return metrics.ResultError
}
