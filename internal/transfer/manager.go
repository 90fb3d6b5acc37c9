// Package transfer uploads and downloads conversation attachments and keeps
// track of which files exist on the device.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/rest"
	"chat-client/internal/telemetry"
)

// ErrInProgress is returned when the same file is already being transferred.
var ErrInProgress = errors.New("transfer already in progress")

type API interface {
	Upload(ctx context.Context, req rest.UploadRequest) (models.Attachment, error)
	OpenRange(ctx context.Context, fileURL string, offset int64) (*rest.RangeBody, error)
}

type Timeline interface {
	InsertOrMerge(msg models.Message) bool
}

type Channel interface {
	Emit(ev models.ChannelEvent) error
}

type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

type Status int

const (
	StatusIdle Status = iota
	StatusInProgress
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInProgress:
		return "in_progress"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State decorates an attachment entry with its transfer progress. Progress
// is in [0,1].
type State struct {
	Direction Direction
	Status    Status
	Progress  float64
	Err       error
}

// LocalFile is a file picked on the device for upload.
type LocalFile struct {
	Path string
	// Name overrides the base name of Path as the uploaded file name.
	Name     string
	MimeType string
}

// Opened is a materialized attachment ready to hand to a viewer.
type Opened struct {
	Path     string
	MimeType string
}

type Options struct {
	// Dir holds materialized attachment files.
	Dir    string
	Record *Record
	Events *telemetry.Emitter
	Notify func()
}

// Manager runs attachment transfers for one conversation.
type Manager struct {
	api    API
	store  Timeline
	dir    string
	record *Record
	events *telemetry.Emitter
	notify func()

	mu      sync.Mutex
	channel Channel
	states  map[string]State
}

func NewManager(api API, store Timeline, opts Options) (*Manager, error) {
	if opts.Record == nil {
		return nil, errors.New("transfer: download record is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	notify := opts.Notify
	if notify == nil {
		notify = func() {}
	}
	return &Manager{
		api:    api,
		store:  store,
		dir:    opts.Dir,
		record: opts.Record,
		events: opts.Events,
		notify: notify,
		states: make(map[string]State),
	}, nil
}

// SetChannel attaches the live channel used to announce uploads.
func (m *Manager) SetChannel(ch Channel) {
	m.mu.Lock()
	m.channel = ch
	m.mu.Unlock()
}

// Upload sends file to the conversation. progress receives 0..100 and is
// reset to 0 if the upload fails, in which case the timeline is untouched.
func (m *Manager) Upload(ctx context.Context, file LocalFile, conversationID, senderID string, progress func(int)) (models.Attachment, error) {
	if progress == nil {
		progress = func(int) {}
	}
	name := file.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}
	if err := m.begin(name, Upload); err != nil {
		return models.Attachment{}, err
	}

	att, err := m.upload(ctx, file, name, conversationID, senderID, progress)
	if err != nil {
		progress(0)
		m.finish(name, Upload, err)
		jww.ERROR.Printf("[XFER] upload of %s failed: %v", name, err)
		m.events.Emit(ctx, telemetry.Event{
			Type:           telemetry.EventUploadFailed,
			UserID:         senderID,
			ConversationID: conversationID,
			Attributes:     map[string]string{"file_name": name, "error": err.Error()},
		})
		return models.Attachment{}, err
	}

	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch != nil {
		if err := ch.Emit(models.ChannelEvent{
			Type:           models.EventSendAttachment,
			ConversationID: conversationID,
			Attachment:     &att,
		}); err != nil {
			jww.DEBUG.Printf("[XFER] announce of %s skipped: %v", att.FileName, err)
		}
	}

	m.store.InsertOrMerge(att.Message())
	m.notify()

	if err := m.keepLocalCopy(file.Path, att.FileName); err != nil {
		jww.WARN.Printf("[XFER] keeping local copy of %s: %v", att.FileName, err)
	}
	m.finish(name, Upload, nil)
	return att, nil
}

func (m *Manager) upload(ctx context.Context, file LocalFile, name, conversationID, senderID string, progress func(int)) (models.Attachment, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("open %s: %w", file.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("stat %s: %w", file.Path, err)
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = MimeType(name)
	}

	att, err := m.api.Upload(ctx, rest.UploadRequest{
		File:           f,
		FileName:       name,
		MimeType:       mimeType,
		Size:           info.Size(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Progress: func(pct int) {
			m.setProgress(name, float64(pct)/100)
			progress(pct)
		},
	})
	if err != nil {
		return models.Attachment{}, err
	}
	observability.AddTransferBytes(string(Upload), info.Size())
	return att, nil
}

func (m *Manager) keepLocalCopy(src, fileName string) error {
	dst := m.localPath(fileName)
	if src != dst {
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	return m.record.Add(fileName)
}

// Download fetches fileURL into the attachment dir as fileName, resuming a
// previous partial download when possible. progress receives values in
// [0,1]; when the size is unknown only the final 1 is reported.
func (m *Manager) Download(ctx context.Context, fileURL, fileName string, progress func(float64)) (string, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	if err := m.begin(fileName, Download); err != nil {
		return "", err
	}

	path, n, err := m.download(ctx, fileURL, fileName, progress)
	if err != nil {
		m.finish(fileName, Download, err)
		jww.ERROR.Printf("[XFER] download of %s failed: %v", fileName, err)
		return "", err
	}

	if err := m.record.Add(fileName); err != nil {
		m.finish(fileName, Download, err)
		return "", err
	}
	progress(1)
	m.finish(fileName, Download, nil)
	observability.AddTransferBytes(string(Download), n)
	jww.INFO.Printf("[XFER] downloaded %s (%d bytes)", fileName, n)
	m.events.Emit(ctx, telemetry.Event{
		Type:       telemetry.EventDownloadCompleted,
		Attributes: map[string]string{"file_name": fileName},
	})
	return path, nil
}

func (m *Manager) download(ctx context.Context, fileURL, fileName string, progress func(float64)) (string, int64, error) {
	target := m.localPath(fileName)
	part := target + ".part"

	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	body, err := m.api.OpenRange(ctx, fileURL, offset)
	var rejected *models.RejectedError
	if offset > 0 && errors.As(err, &rejected) && rejected.Status == http.StatusRequestedRangeNotSatisfiable {
		jww.DEBUG.Printf("[XFER] stale partial download of %s, restarting", fileName)
		offset = 0
		body, err = m.api.OpenRange(ctx, fileURL, 0)
	}
	if err != nil {
		return "", 0, err
	}
	defer body.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if body.Offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("open partial file: %w", err)
	}

	reporter := &progressWriter{done: body.Offset, total: body.Total, report: func(f float64) {
		m.setProgress(fileName, f)
		progress(f)
	}}
	n, err := io.Copy(out, io.TeeReader(body.Body, reporter))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, rest.Classify(err)
	}
	if body.Total >= 0 && body.Offset+n != body.Total {
		return "", 0, fmt.Errorf("%w: short download %d of %d bytes", models.ErrNetworkUnavailable, body.Offset+n, body.Total)
	}

	if err := os.Rename(part, target); err != nil {
		return "", 0, fmt.Errorf("finalize download: %w", err)
	}
	return target, body.Offset + n, nil
}

// IsMaterialized reports whether fileName is recorded and present on disk.
// A recorded file that has disappeared is dropped from the record.
func (m *Manager) IsMaterialized(fileName string) bool {
	if !m.record.Contains(fileName) {
		return false
	}
	_, err := os.Stat(m.localPath(fileName))
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		if rerr := m.record.Remove(fileName); rerr != nil {
			jww.WARN.Printf("[XFER] dropping %s from record: %v", fileName, rerr)
		}
	}
	return false
}

// Open resolves a materialized attachment to its path and mime type.
func (m *Manager) Open(fileName string) (Opened, error) {
	if !m.IsMaterialized(fileName) {
		return Opened{}, fmt.Errorf("attachment %s: %w", fileName, models.ErrNotFound)
	}
	return Opened{Path: m.localPath(fileName), MimeType: MimeType(fileName)}, nil
}

// HandleInbound appends an attachment announced on the live channel.
func (m *Manager) HandleInbound(att models.Attachment) bool {
	if att.FileName == "" {
		return false
	}
	added := m.store.InsertOrMerge(att.Message())
	if added {
		m.notify()
	}
	return added
}

// State returns the last known transfer state for fileName.
func (m *Manager) State(fileName string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[fileName]; ok {
		return st
	}
	if m.record.Contains(fileName) {
		return State{Direction: Download, Status: StatusDone, Progress: 1}
	}
	return State{}
}

func (m *Manager) begin(name string, dir Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[name]; ok && st.Status == StatusInProgress {
		return fmt.Errorf("%s %s: %w", dir, name, ErrInProgress)
	}
	if !m.record.claim(name) {
		return fmt.Errorf("%s %s: %w", dir, name, ErrInProgress)
	}
	m.states[name] = State{Direction: dir, Status: StatusInProgress}
	return nil
}

func (m *Manager) setProgress(name string, f float64) {
	m.mu.Lock()
	st := m.states[name]
	if f > st.Progress {
		st.Progress = f
	}
	m.states[name] = st
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) finish(name string, dir Direction, err error) {
	m.mu.Lock()
	st := State{Direction: dir, Status: StatusDone, Progress: 1}
	if err != nil {
		st = State{Direction: dir, Status: StatusFailed, Err: err}
	}
	m.states[name] = st
	m.mu.Unlock()
	m.record.release(name)
	m.notify()
}

func (m *Manager) localPath(fileName string) string {
	return filepath.Join(m.dir, filepath.Base(fileName))
}

type progressWriter struct {
	done   int64
	total  int64
	last   float64
	report func(float64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if p.total > 0 {
		f := float64(p.done) / float64(p.total)
		if f > 1 {
			f = 1
		}
		// The final 1 is reported once the file is in place.
		if f > p.last && f < 1 {
			p.last = f
			p.report(f)
		}
	}
	return len(b), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
