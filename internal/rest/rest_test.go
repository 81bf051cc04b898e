package rest

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasfw/rasfw/internal/catalog"
	"github.com/rasfw/rasfw/internal/fileio"
	"github.com/rasfw/rasfw/internal/firmware"
	"github.com/rasfw/rasfw/internal/image"
	"github.com/rasfw/rasfw/internal/ratelimit"
	"github.com/rasfw/rasfw/internal/trailer"
)

const testMaxImageSize = 8 * 1024 * 1024

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()

	var recorder firmware.Recorder
	if opts.Catalog != nil {
		recorder = opts.Catalog.(*catalog.Catalog)
	}
	if opts.MaxImageSize == 0 {
		opts.MaxImageSize = testMaxImageSize
	}

	mgr := firmware.NewManager(fileio.NewOS(), fileio.NewOS(), recorder)
	ts := httptest.NewServer(NewServer(mgr, opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func openCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func sampleImage(t *testing.T) []byte {
	t.Helper()
	img, err := image.Build(bytes.Repeat([]byte{0x41}, 10), bytes.Repeat([]byte{0x42}, 5))
	require.NoError(t, err)
	return img
}

func post(t *testing.T, url, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestValidate(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := post(t, ts.URL+"/v1/images/validate", "application/octet-stream", sampleImage(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ValidateResponse
	decode(t, resp, &body)
	assert.True(t, body.Valid)
	require.NotNil(t, body.Report)
	assert.Equal(t, 5, body.Report.FSLen)
	assert.Equal(t, image.KernelCapacity, body.Report.KernelLen)
	assert.Equal(t, "0x7CBF7862", body.Report.Trailer.CRC32)
	assert.Equal(t, "0xFC8F3817", body.Report.Trailer.FSCRC32)
}

func TestValidateIntegrityFailure(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name   string
		mutate func([]byte)
		check  image.Check
	}{
		{"body byte", func(b []byte) { b[3] ^= 0xFF }, image.CheckWholeCRC},
		{"trailer digest", func(b []byte) { b[len(b)-trailer.Size+164] ^= 0xFF }, image.CheckDigest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := sampleImage(t)
			tt.mutate(img)

			resp := post(t, ts.URL+"/v1/images/validate", "application/octet-stream", img)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

			var body ErrorResponse
			decode(t, resp, &body)
			assert.Equal(t, string(tt.check), body.Check)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestValidateTooSmall(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := post(t, ts.URL+"/v1/images/validate", "application/octet-stream", []byte("short"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body ErrorResponse
	decode(t, resp, &body)
	assert.Empty(t, body.Check)
}

func TestValidateBodyLimit(t *testing.T) {
	ts := newTestServer(t, Options{MaxImageSize: 1024})

	resp := post(t, ts.URL+"/v1/images/validate", "application/octet-stream", make([]byte, 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestInspect(t *testing.T) {
	ts := newTestServer(t, Options{})

	img := sampleImage(t)
	img[0] ^= 0xFF // Inspect does not verify checksums

	resp := post(t, ts.URL+"/v1/images/inspect", "application/octet-stream", img)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body InspectResponse
	decode(t, resp, &body)
	assert.Equal(t, uint32(5), body.Trailer.FSLen)
	assert.Equal(t, "ubifs", body.Trailer.FSType)
	require.NotEmpty(t, body.Fields)
	assert.Equal(t, "magic", body.Fields[0].Name)
	assert.Equal(t, "0x1B05CE17", body.Fields[0].Value)
}

func multipartBody(t *testing.T, files map[string][]byte, values map[string]string) (string, []byte) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, data := range files {
		fw, err := mw.CreateFormFile(field, field+".bin")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	return mw.FormDataContentType(), buf.Bytes()
}

func TestBuild(t *testing.T) {
	ts := newTestServer(t, Options{})

	contentType, body := multipartBody(t, map[string][]byte{
		"kernel": bytes.Repeat([]byte{0x41}, 10),
		"rootfs": bytes.Repeat([]byte{0x42}, 5),
	}, nil)

	resp := post(t, ts.URL+"/v1/images/build", contentType, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "0x7CBF7862", resp.Header.Get(HeaderCRC32))
	assert.Equal(t, "0xFC8F3817", resp.Header.Get(HeaderFSCRC32))
	assert.Equal(t, "bf9f08dd6cb9e5c0b1ca92b91b14ad5e7c2bb85410e4326f7a77374958777b31", resp.Header.Get(HeaderSHA256))

	var out bytes.Buffer
	_, err := out.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, sampleImage(t), out.Bytes())
}

func TestBuildFSType(t *testing.T) {
	ts := newTestServer(t, Options{})

	contentType, body := multipartBody(t, map[string][]byte{
		"kernel": []byte("k"),
		"rootfs": []byte("r"),
	}, map[string]string{"fs_type": "squashfs"})

	resp := post(t, ts.URL+"/v1/images/build", contentType, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out bytes.Buffer
	_, err := out.ReadFrom(resp.Body)
	require.NoError(t, err)

	v, err := image.Validate(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, trailer.FSTypeSquashFS, v.Trailer.FSType)
}

func TestBuildErrors(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name   string
		files  map[string][]byte
		values map[string]string
		status int
	}{
		{
			name:   "missing rootfs",
			files:  map[string][]byte{"kernel": []byte("k")},
			status: http.StatusBadRequest,
		},
		{
			name:   "bad fs type",
			files:  map[string][]byte{"kernel": []byte("k"), "rootfs": []byte("r")},
			values: map[string]string{"fs_type": "ext4"},
			status: http.StatusBadRequest,
		},
		{
			name:   "kernel too large",
			files:  map[string][]byte{"kernel": make([]byte, image.KernelCapacity+1), "rootfs": []byte("r")},
			status: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contentType, body := multipartBody(t, tt.files, tt.values)
			resp := post(t, ts.URL+"/v1/images/build", contentType, body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestCatalogRoutes(t *testing.T) {
	cat := openCatalog(t)
	ts := newTestServer(t, Options{Catalog: cat})

	resp := post(t, ts.URL+"/v1/images/validate", "application/octet-stream", sampleImage(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var validated ValidateResponse
	decode(t, resp, &validated)
	require.NotNil(t, validated.Report.Record)
	cid := validated.Report.Record.CID

	listResp, err := http.Get(ts.URL + "/v1/catalog")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var list CatalogResponse
	decode(t, listResp, &list)
	require.Len(t, list.Images, 1)
	assert.Equal(t, cid, list.Images[0].CID)

	getResp, err := http.Get(ts.URL + "/v1/catalog/" + cid)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var rec catalog.Record
	decode(t, getResp, &rec)
	assert.Equal(t, validated.Report.Record.ID, rec.ID)

	badResp, err := http.Get(ts.URL + "/v1/catalog/not-a-cid")
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)

	unknown, err := catalog.ImageCID([]byte("unknown"))
	require.NoError(t, err)
	missResp, err := http.Get(ts.URL + "/v1/catalog/" + unknown.String())
	require.NoError(t, err)
	defer missResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, missResp.StatusCode)
}

func TestCatalogDisabled(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/v1/catalog")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{Limiter: ratelimit.NewLimiter(2, 0.001)})

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := post(t, ts.URL+"/v1/images/inspect", "application/octet-stream", sampleImage(t))
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)

	// Health and metrics are not rate limited
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	post(t, ts.URL+"/v1/images/validate", "application/octet-stream", sampleImage(t))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "rasfw_validations_total")
}
