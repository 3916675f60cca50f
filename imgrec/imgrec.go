// Package imgrec contains an image recorder used to save camera images to disk
// under the run number of the experiment that produced them.
package imgrec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/saia-lab/saia/generichttp"
	"github.com/saia-lab/saia/server"
)

// DefaultSpecies is the filename prefix used when none is configured
const DefaultSpecies = "Cs-133"

// CopyRetry is the pause before retrying a copy the camera driver still has open
var CopyRetry = 200 * time.Millisecond

// Recorder stores images in <Root>/<yyyy>/<Month>/<dd> subfolders with names
// <Species>_<ddMonyyyy>_<run>.<ext>.  It is safe for concurrent use.
type Recorder struct {
	mu sync.RWMutex

	// root is the root path
	root string

	// species is the prefix for the filenames
	species string

	// enabled selects whether images are stored (active) or only reported (passive)
	enabled bool

	// Now returns the time used for the folder and file date; time.Now if nil
	Now func() time.Time

	// Log receives warnings; a no-op logger if nil
	Log *zap.SugaredLogger
}

// New returns an enabled Recorder rooted at root
func New(root, species string) *Recorder {
	if species == "" {
		species = DefaultSpecies
	}
	return &Recorder{root: root, species: species, enabled: true}
}

// Root returns the root folder
func (r *Recorder) Root() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// Species returns the filename prefix
func (r *Recorder) Species() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.species
}

// SetSpecies updates the filename prefix
func (r *Recorder) SetSpecies(s string) error {
	if s == "" || strings.ContainsAny(s, `_/\`) {
		return fmt.Errorf("invalid species label %q", s)
	}
	r.mu.Lock()
	r.species = s
	r.mu.Unlock()
	return nil
}

// Enabled returns true if images are being stored
func (r *Recorder) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetEnabled turns storing on or off
func (r *Recorder) SetEnabled(b bool) error {
	r.mu.Lock()
	r.enabled = b
	r.mu.Unlock()
	return nil
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Recorder) log() *zap.SugaredLogger {
	if r.Log == nil {
		return zap.NewNop().Sugar()
	}
	return r.Log
}

// DateLabel is the compact date used in file names, e.g. 18Oct2026
func DateLabel(t time.Time) string {
	return t.Format("02Jan2006")
}

// DatedFolder returns root/yyyy/Month/dd for t
func DatedFolder(root string, t time.Time) string {
	return filepath.Join(root, t.Format("2006"), t.Format("January"), t.Format("02"))
}

// Folder returns today's storage folder
func (r *Recorder) Folder() string {
	return DatedFolder(r.Root(), r.now())
}

// mkDir makes the folder for t and returns it
func (r *Recorder) mkDir(t time.Time) (string, error) {
	fldr := DatedFolder(r.Root(), t)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Name returns the synchronised file name for a run.  ext may be given with or without a dot.
func (r *Recorder) Name(run int, ext string) string {
	return r.nameAt(run, ext, r.now())
}

func (r *Recorder) nameAt(run int, ext string, t time.Time) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s_%s_%d.%s", r.Species(), DateLabel(t), run, ext)
}

// Path returns the full path an image for run would be stored at
func (r *Recorder) Path(run int, ext string) string {
	return filepath.Join(r.Folder(), r.Name(run, ext))
}

// Store copies src into today's folder under the synchronised name for run and returns
// the new path.  An existing file of the same name is overwritten.  Copies that fail with
// a permission error, usually because the camera driver has not let go of the file,
// are retried.
func (r *Recorder) Store(ctx context.Context, src string, run int) (string, error) {
	t := r.now()
	fldr, err := r.mkDir(t)
	if err != nil {
		return "", fmt.Errorf("creating storage folder: %w", err)
	}
	dst := filepath.Join(fldr, r.nameAt(run, filepath.Ext(src), t))
	if _, err := os.Stat(dst); err == nil {
		r.log().Warnw("overwriting stored image", "path", dst, "run", run)
	}

	op := func() error {
		err := copyFile(src, dst)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrPermission) {
			return backoff.Permanent(err)
		}
		r.log().Warnw("image still held by another process, retrying copy", "src", src)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(CopyRetry), 5), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RunNumber parses the run label out of a stored file name, the text between the
// last underscore and the extension
func RunNumber(path string) (int, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return 0, fmt.Errorf("no run label in %s", path)
	}
	return strconv.Atoi(base[idx+1:])
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the species and
// storing mode to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Root()}
	hp.EncodeAndRespond(w, r)
}

// GetFolder gets today's storage folder and sends it back as JSON
func (h HTTPWrapper) GetFolder(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Folder()}
	hp.EncodeAndRespond(w, r)
}

// SetSpecies updates the filename species prefix of the recorder
func (h HTTPWrapper) SetSpecies(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.Recorder.SetSpecies(str.Str); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetSpecies gets the recorder's species prefix and sends it back as JSON
func (h HTTPWrapper) GetSpecies(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Species()}
	hp.EncodeAndRespond(w, r)
}

// Inject adds GET and POST routes under /autowrite to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/folder"}] = h.GetFolder
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/species"}] = h.SetSpecies
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/species"}] = h.GetSpecies
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(h.Recorder.SetEnabled)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(func() (bool, error) {
		return h.Recorder.Enabled(), nil
	})
}
