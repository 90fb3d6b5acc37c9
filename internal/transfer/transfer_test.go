package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/mocks"
	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/rest"
	"chat-client/internal/timeline"
)

type fakeAPI struct {
	uploadErr error
	files     map[string][]byte
	// hideSize drops the total from range responses.
	hideSize bool
	failRead error
	offsets  []int64
}

func (f *fakeAPI) Upload(_ context.Context, req rest.UploadRequest) (models.Attachment, error) {
	data, err := io.ReadAll(req.File)
	if err != nil {
		return models.Attachment{}, err
	}
	req.Progress(50)
	if f.uploadErr != nil {
		return models.Attachment{}, f.uploadErr
	}
	req.Progress(100)
	return models.Attachment{
		ID:             "att-1",
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		FileName:       req.FileName,
		FileURL:        "/files/" + req.FileName,
		MimeType:       req.MimeType,
		Size:           int64(len(data)),
		Timestamp:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeAPI) OpenRange(_ context.Context, fileURL string, offset int64) (*rest.RangeBody, error) {
	f.offsets = append(f.offsets, offset)
	data, ok := f.files[fileURL]
	if !ok {
		return nil, &models.RejectedError{Status: http.StatusNotFound}
	}
	if offset > int64(len(data)) {
		return nil, &models.RejectedError{Status: http.StatusRequestedRangeNotSatisfiable}
	}
	total := int64(len(data))
	if f.hideSize {
		total = -1
	}
	var r io.Reader = bytes.NewReader(data[offset:])
	if f.failRead != nil {
		r = io.MultiReader(bytes.NewReader(data[offset:offset+1]), errReader{f.failRead})
	}
	return &rest.RangeBody{Body: io.NopCloser(r), Offset: offset, Total: total}, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func newTestManager(t *testing.T, api API) (*Manager, *timeline.Store, *Record, string) {
	t.Helper()
	dataDir := t.TempDir()
	record, err := OpenRecord(dataDir)
	require.NoError(t, err)
	store := timeline.NewStore(timeline.Options{Location: time.UTC})
	dir := filepath.Join(dataDir, "attachments")
	m, err := NewManager(api, store, Options{Dir: dir, Record: record})
	require.NoError(t, err)
	return m, store, record, dir
}

func TestOpenRecordCreatesEmptyFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	record, err := OpenRecord(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, RecordFileName))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
	assert.Empty(t, record.Names())
}

func TestRecordPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	record, err := OpenRecord(dir)
	require.NoError(t, err)

	require.NoError(t, record.Add("a.pdf"))
	require.NoError(t, record.Add("b.png"))
	require.NoError(t, record.Add("a.pdf"))
	require.NoError(t, record.Remove("b.png"))
	require.NoError(t, record.Remove("missing"))

	reopened, err := OpenRecord(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf"}, reopened.Names())
}

func TestRecordConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	record, err := OpenRecord(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, record.Add(string(rune('a'+i))+".txt"))
		}(i)
	}
	wg.Wait()

	reopened, err := OpenRecord(dir)
	require.NoError(t, err)
	assert.Len(t, reopened.Names(), 20)
}

func TestMimeType(t *testing.T) {
	cases := map[string]string{
		"report.PDF":   "application/pdf",
		"photo.jpg":    "image/jpeg",
		"photo.jpeg":   "image/jpeg",
		"slides.pptx":  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"song.mp3":     "audio/mpeg",
		"archive.zip":  "application/zip",
		"notes.txt":    "text/plain",
		"binary.xyz":   "application/octet-stream",
		"no-extension": "application/octet-stream",
	}
	for name, want := range cases {
		assert.Equal(t, want, MimeType(name), name)
	}
}

func TestUploadAppendsAndRecords(t *testing.T) {
	api := &fakeAPI{}
	m, store, record, dir := newTestManager(t, api)
	ch := new(mocks.ChannelMock)
	ch.On("Emit", mock.MatchedBy(func(ev models.ChannelEvent) bool {
		return ev.Type == models.EventSendAttachment && ev.Attachment != nil && ev.Attachment.FileName == "doc.pdf"
	})).Return(nil).Once()
	m.SetChannel(ch)

	src := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf bytes"), 0o644))

	before := observability.TransferBytes(string(Upload))
	var seen []int
	att, err := m.Upload(context.Background(), LocalFile{Path: src}, "c1", "u1", func(p int) { seen = append(seen, p) })
	require.NoError(t, err)
	assert.Equal(t, "doc.pdf", att.FileName)
	assert.Equal(t, before+float64(len("pdf bytes")), observability.TransferBytes(string(Upload)))
	assert.Equal(t, []int{50, 100}, seen)

	entry, ok := store.Get("att-1")
	require.True(t, ok)
	assert.True(t, entry.IsAttachment())
	assert.Equal(t, "application/pdf", entry.AttachmentRef.MimeType)

	copied, err := os.ReadFile(filepath.Join(dir, "doc.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "pdf bytes", string(copied))
	assert.True(t, record.Contains("doc.pdf"))
	assert.Equal(t, StatusDone, m.State("doc.pdf").Status)
	ch.AssertExpectations(t)
}

func TestUploadFailureLeavesTimelineUntouched(t *testing.T) {
	api := &fakeAPI{uploadErr: &models.RejectedError{Status: http.StatusInternalServerError}}
	m, store, record, _ := newTestManager(t, api)

	src := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf bytes"), 0o644))

	var seen []int
	_, err := m.Upload(context.Background(), LocalFile{Path: src}, "c1", "u1", func(p int) { seen = append(seen, p) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrServerRejected))

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, []int{50, 0}, seen)
	assert.False(t, record.Contains("doc.pdf"))
	st := m.State("doc.pdf")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Zero(t, st.Progress)
}

func TestDownloadReportsProgressAndRecords(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64*1024)
	api := &fakeAPI{files: map[string][]byte{"/files/big.bin": payload}}
	m, _, record, dir := newTestManager(t, api)

	var seen []float64
	path, err := m.Download(context.Background(), "/files/big.bin", "big.bin", func(f float64) { seen = append(seen, f) })
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "big.bin"), path)

	require.NotEmpty(t, seen)
	assert.Equal(t, 1.0, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
		assert.LessOrEqual(t, seen[i], 1.0)
	}

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, record.Contains("big.bin"))
	assert.True(t, m.IsMaterialized("big.bin"))
	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadUnknownSizeReportsOnlyCompletion(t *testing.T) {
	api := &fakeAPI{files: map[string][]byte{"/files/a.txt": []byte("hello")}, hideSize: true}
	m, _, _, _ := newTestManager(t, api)

	var seen []float64
	_, err := m.Download(context.Background(), "/files/a.txt", "a.txt", func(f float64) { seen = append(seen, f) })
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, seen)
}

func TestDownloadResumesPartialFile(t *testing.T) {
	api := &fakeAPI{files: map[string][]byte{"/files/a.txt": []byte("hello world")}}
	m, _, _, dir := newTestManager(t, api)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt.part"), []byte("hello"), 0o644))

	path, err := m.Download(context.Background(), "/files/a.txt", "a.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, api.offsets)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestDownloadRestartsOnUnsatisfiableRange(t *testing.T) {
	api := &fakeAPI{files: map[string][]byte{"/files/a.txt": []byte("new")}}
	m, _, _, dir := newTestManager(t, api)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt.part"), []byte("stale partial data"), 0o644))

	path, err := m.Download(context.Background(), "/files/a.txt", "a.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{18, 0}, api.offsets)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestDownloadFailureLeavesRecordUnchanged(t *testing.T) {
	api := &fakeAPI{
		files:    map[string][]byte{"/files/a.txt": []byte("hello")},
		failRead: io.ErrUnexpectedEOF,
	}
	m, _, record, dir := newTestManager(t, api)

	_, err := m.Download(context.Background(), "/files/a.txt", "a.txt", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNetworkUnavailable))
	assert.False(t, record.Contains("a.txt"))
	assert.False(t, m.IsMaterialized("a.txt"))
	assert.Equal(t, StatusFailed, m.State("a.txt").Status)

	part, err := os.ReadFile(filepath.Join(dir, "a.txt.part"))
	require.NoError(t, err)
	assert.Equal(t, "h", string(part))

	_, err = m.Download(context.Background(), "/files/missing", "missing.txt", nil)
	assert.True(t, errors.Is(err, models.ErrServerRejected))
}

func TestIsMaterializedDropsMissingFile(t *testing.T) {
	api := &fakeAPI{}
	m, _, record, _ := newTestManager(t, api)
	require.NoError(t, record.Add("gone.png"))

	assert.False(t, m.IsMaterialized("gone.png"))
	assert.False(t, record.Contains("gone.png"))

	_, err := m.Open("gone.png")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOpenMaterialized(t *testing.T) {
	api := &fakeAPI{files: map[string][]byte{"/files/pic.png": []byte("png")}}
	m, _, _, _ := newTestManager(t, api)
	path, err := m.Download(context.Background(), "/files/pic.png", "pic.png", nil)
	require.NoError(t, err)

	opened, err := m.Open("pic.png")
	require.NoError(t, err)
	assert.Equal(t, path, opened.Path)
	assert.Equal(t, "image/png", opened.MimeType)
}

func TestHandleInbound(t *testing.T) {
	m, store, _, _ := newTestManager(t, &fakeAPI{})
	att := models.Attachment{ID: "att-9", ConversationID: "c1", SenderID: "u2", FileName: "x.zip", FileURL: "/files/x.zip"}

	assert.True(t, m.HandleInbound(att))
	assert.False(t, m.HandleInbound(att))
	assert.False(t, m.HandleInbound(models.Attachment{}))
	assert.Equal(t, 1, store.Len())
}

type gatedAPI struct {
	fakeAPI
	started chan struct{}
	release chan struct{}
}

func (g *gatedAPI) OpenRange(ctx context.Context, fileURL string, offset int64) (*rest.RangeBody, error) {
	close(g.started)
	<-g.release
	return g.fakeAPI.OpenRange(ctx, fileURL, offset)
}

func TestSharedRecordSerializesSameFileAcrossManagers(t *testing.T) {
	payload := []byte("shared payload")
	gated := &gatedAPI{
		fakeAPI: fakeAPI{files: map[string][]byte{"/files/s.bin": payload}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	first, _, record, dir := newTestManager(t, gated)
	store := timeline.NewStore(timeline.Options{Location: time.UTC})
	second, err := NewManager(&fakeAPI{files: map[string][]byte{"/files/s.bin": payload}}, store, Options{Dir: dir, Record: record})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := first.Download(context.Background(), "/files/s.bin", "s.bin", nil)
		errc <- err
	}()
	<-gated.started

	_, err = second.Download(context.Background(), "/files/s.bin", "s.bin", nil)
	assert.ErrorIs(t, err, ErrInProgress)
	assert.Equal(t, StatusIdle, second.State("s.bin").Status)

	close(gated.release)
	require.NoError(t, <-errc)

	path, err := second.Download(context.Background(), "/files/s.bin", "s.bin", nil)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
