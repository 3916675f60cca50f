package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.com/saia-lab/saia/generichttp"
	"github.com/saia-lab/saia/histo"
	"github.com/saia-lab/saia/histostats"
	"github.com/saia-lab/saia/histplot"
	"github.com/saia-lab/saia/imgproc"
	"github.com/saia-lab/saia/imgrec"
	"github.com/saia-lab/saia/mathx"
	"github.com/saia-lab/saia/server"
	"github.com/saia-lab/saia/server/middleware/locker"
)

// HistogramReport is the state of the histogram sent to clients
type HistogramReport struct {
	ImNum       int           `json:"imNum"`
	Hist        histo.Hist    `json:"hist"`
	Threshold   float64       `json:"threshold"`
	Manual      bool          `json:"manual"`
	Peaks       []histo.Peak  `json:"peaks"`
	Fits        [][]float64   `json:"fits"`
	Fidelity    float64       `json:"fidelity"`
	ErrFidelity float64       `json:"errFidelity"`
	Loading     histo.Loading `json:"loading"`
}

// StatsReport is the statistics table with the pending row
type StatsReport struct {
	Columns []string         `json:"columns"`
	Rows    []histostats.Row `json:"rows"`
	Pending *histostats.Row  `json:"pending,omitempty"`
}

// HTTPWrapper exposes a Service over HTTP
type HTTPWrapper struct {
	*Service

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured.
// The lock routes and, when the service has a watcher, the autowrite routes are included.
func NewHTTPWrapper(s *Service) HTTPWrapper {
	w := HTTPWrapper{Service: s}
	rt := generichttp.RouteTable{
		// histogram
		{Method: http.MethodGet, Path: "/histogram"}:     w.GetHistogram,
		{Method: http.MethodGet, Path: "/histogram.png"}: w.GetHistogramPNG,
		{Method: http.MethodPost, Path: "/reset"}:        w.Reset,
		{Method: http.MethodGet, Path: "/loading"}:       w.GetLoading,
		{Method: http.MethodGet, Path: "/image.fits"}:    w.GetImage,
		{Method: http.MethodGet, Path: "/imnum"}:         generichttp.GetInt(func() (int, error) { return s.Hist.ImNum(), nil }),

		// threshold
		{Method: http.MethodGet, Path: "/threshold"}:         generichttp.GetFloat(func() (float64, error) { return s.Hist.Threshold(), nil }),
		{Method: http.MethodPost, Path: "/threshold"}:        generichttp.SetFloat(w.setThreshold),
		{Method: http.MethodGet, Path: "/threshold/manual"}:  generichttp.GetBool(func() (bool, error) { return s.Hist.Manual(), nil }),
		{Method: http.MethodPost, Path: "/threshold/manual"}: generichttp.SetBool(s.Hist.SetManual),

		// settings
		{Method: http.MethodGet, Path: "/roi"}:        w.GetROI,
		{Method: http.MethodPost, Path: "/roi"}:       w.SetROI,
		{Method: http.MethodPost, Path: "/roi/image"}: w.SetROIFromImage,
		{Method: http.MethodGet, Path: "/bins"}:       w.GetBins,
		{Method: http.MethodPost, Path: "/bins"}:      w.SetBins,
		{Method: http.MethodGet, Path: "/uservar"}:    generichttp.GetFloat(s.UserVar),
		{Method: http.MethodPost, Path: "/uservar"}:   generichttp.SetFloat(s.SetUserVar),

		// fitting and statistics
		{Method: http.MethodPost, Path: "/fit"}:            w.rowHandler(s.Fit),
		{Method: http.MethodPost, Path: "/fit/background"}: w.rowHandler(s.FitBackground),
		{Method: http.MethodGet, Path: "/stats"}:           w.GetStats,
		{Method: http.MethodPost, Path: "/stats"}:          w.rowHandler(s.UpdateStats),
		{Method: http.MethodGet, Path: "/stats.png"}:       w.GetStatsPNG,
		{Method: http.MethodPost, Path: "/stats/store"}:    w.rowHandler(s.StoreStats),
		{Method: http.MethodPost, Path: "/stats/reset"}:    w.ResetStats,
		{Method: http.MethodPost, Path: "/stats/save"}:     w.pathHandler(s.SaveStats),
		{Method: http.MethodPost, Path: "/stats/load"}:     generichttp.SetString(s.LoadStats),

		// files
		{Method: http.MethodPost, Path: "/save"}:          w.pathHandler(s.SaveHistogram),
		{Method: http.MethodPost, Path: "/load"}:          generichttp.SetString(s.LoadHistogram),
		{Method: http.MethodGet, Path: "/results/{name}"}: w.GetResult,

		// watcher
		{Method: http.MethodGet, Path: "/watcher/times"}:   w.GetTimes,
		{Method: http.MethodGet, Path: "/watcher/running"}: w.GetRunning,
		{Method: http.MethodPost, Path: "/watcher/clear"}:  w.ClearReadDir,

		// multirun
		{Method: http.MethodGet, Path: "/multirun"}:          w.GetMultirun,
		{Method: http.MethodPost, Path: "/multirun"}:         w.StartMultirun,
		{Method: http.MethodPost, Path: "/multirun/abort"}:   w.AbortMultirun,
		{Method: http.MethodGet, Path: "/multirun/measure"}:  generichttp.GetInt(s.Measure),
		{Method: http.MethodPost, Path: "/multirun/measure"}: generichttp.SetInt(s.SetMeasure),
	}
	w.RouteTable = rt
	locker.Inject(w, s.Locker)
	if s.Watcher != nil && s.Watcher.Rec != nil {
		imgrec.NewHTTPWrapper(s.Watcher.Rec).Inject(w)
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/endpoints"}] = generichttp.ListEndpoints(rt)
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// setThreshold holds the threshold at a user value
func (h HTTPWrapper) setThreshold(t float64) error {
	h.Hist.SetThreshold(t)
	return h.Hist.SetManual(true)
}

// GetHistogram recomputes the histogram and sends it with the threshold and peaks as JSON
func (h HTTPWrapper) GetHistogram(w http.ResponseWriter, r *http.Request) {
	h.refresh()
	snap := h.Hist.Snapshot()
	f, ef := h.Hist.Fidelity()
	server.ReplyWithJSON(w, HistogramReport{
		ImNum:       len(snap.Records),
		Hist:        snap.Hist,
		Threshold:   snap.Thresh,
		Manual:      snap.Manual,
		Peaks:       snap.Peaks,
		Fits:        snap.Fits,
		Fidelity:    f,
		ErrFidelity: ef,
		Loading:     h.Hist.LoadingProbability(),
	})
}

// GetHistogramPNG draws the histogram, threshold and fits as a PNG
func (h HTTPWrapper) GetHistogramPNG(w http.ResponseWriter, r *http.Request) {
	h.refresh()
	snap := h.Hist.Snapshot()
	buf := &bytes.Buffer{}
	err := histplot.Render(buf, snap.Hist, snap.Thresh, snap.Fits)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, histplot.ErrEmpty) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Reset empties the histogram
func (h HTTPWrapper) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Reset(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetLoading sends the loading probability and its interval as JSON
func (h HTTPWrapper) GetLoading(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithJSON(w, h.Hist.LoadingProbability())
}

// GetImage sends the last processed image as FITS
func (h HTTPWrapper) GetImage(w http.ResponseWriter, r *http.Request) {
	fr, ok := h.Hist.LastFrame()
	if !ok {
		http.Error(w, "no image has been processed", http.StatusNotFound)
		return
	}
	roi := h.Hist.ROI()
	cards := []fitsio.Card{
		{Name: "IMNUM", Value: h.Hist.ImNum(), Comment: "images in the histogram"},
		{Name: "ROIXC", Value: roi.XC},
		{Name: "ROIYC", Value: roi.YC},
		{Name: "ROISIZE", Value: roi.Size},
		{Name: "THRESH", Value: h.Hist.Threshold(), Comment: "atom threshold (counts)"},
	}
	buf := &bytes.Buffer{}
	if err := imgproc.WriteFITS(buf, cards, fr); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// GetROI sends the ROI as JSON
func (h HTTPWrapper) GetROI(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithJSON(w, h.Hist.ROI())
}

// SetROI sets the ROI from JSON {"xc", "yc", "size"}
func (h HTTPWrapper) SetROI(w http.ResponseWriter, r *http.Request) {
	roi := imgproc.ROI{}
	err := json.NewDecoder(r.Body).Decode(&roi)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.Hist.SetROI(roi); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	server.ReplyWithJSON(w, h.Hist.ROI())
}

// SetROIFromImage centres the ROI on the brightest pixel of the image at {"str": path}
func (h HTTPWrapper) SetROIFromImage(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	roi, err := h.Hist.SetROIFromImage(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	server.ReplyWithJSON(w, roi)
}

// GetBins sends the manual bins as JSON; n is zero for automatic bins
func (h HTTPWrapper) GetBins(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithJSON(w, h.Hist.Bins())
}

// SetBins sets the bins from JSON {"lo", "hi", "n"}
func (h HTTPWrapper) SetBins(w http.ResponseWriter, r *http.Request) {
	b := histo.Bins{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.Hist.SetBins(b.Lo, b.Hi, b.N); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// rowHandler wraps an operation producing statistics into a handler replying with the row
func (h HTTPWrapper) rowHandler(fcn func() (histostats.Row, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		row, err := fcn()
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, histo.ErrNoData) || errors.Is(err, histostats.ErrNoTemp) {
				code = http.StatusConflict
			}
			http.Error(w, err.Error(), code)
			return
		}
		server.ReplyWithJSON(w, row)
	}
}

// pathHandler wraps a save operation taking {"str": name} and replies with the path written
func (h HTTPWrapper) pathHandler(fcn func(string) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		str := server.StrT{}
		err := json.NewDecoder(r.Body).Decode(&str)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		path, err := fcn(str.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.String, String: path}
		hp.EncodeAndRespond(w, r)
	}
}

// GetStats sends the statistics table as JSON
func (h HTTPWrapper) GetStats(w http.ResponseWriter, r *http.Request) {
	rep := StatsReport{Columns: histostats.Columns, Rows: h.Stats.Rows()}
	if row, ok := h.Stats.Temp(); ok {
		rep.Pending = &row
	}
	server.ReplyWithJSON(w, rep)
}

// GetStatsPNG plots two columns of the statistics table, named by the x and y query
// parameters, against each other.  They default to User variable and Loading probability.
func (h HTTPWrapper) GetStatsPNG(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	x, y := q.Get("x"), q.Get("y")
	if x == "" {
		x = histostats.Columns[1]
	}
	if y == "" {
		y = histostats.Columns[7]
	}
	xs, ys, err := h.Stats.XY(x, y)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	buf := &bytes.Buffer{}
	if err = histplot.Scatter(buf, xs, ys, x, y); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ResetStats empties the statistics table
func (h HTTPWrapper) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.Stats.Reset()
	w.WriteHeader(http.StatusOK)
}

// GetResult serves a file from the results folder
func (h HTTPWrapper) GetResult(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	server.ReplyWithFile(w, r, name, h.Results)
}

// GetTimes sends the timing of the last image handled by the watcher
func (h HTTPWrapper) GetTimes(w http.ResponseWriter, r *http.Request) {
	if h.Watcher == nil {
		http.Error(w, "no watcher", http.StatusNotFound)
		return
	}
	t := h.Watcher.Times()
	ms := func(d time.Duration) float64 { return mathx.Round(float64(d)/float64(time.Millisecond), 0.1) }
	server.ReplyWithJSON(w, map[string]interface{}{
		"idle":    ms(t.Idle),
		"write":   ms(t.Write),
		"copy":    ms(t.Copy),
		"total":   ms(t.Total),
		"handled": h.Watcher.Handled(),
		"summary": t.String(),
	})
}

// GetRunning reports if the watcher is running
func (h HTTPWrapper) GetRunning(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: h.Watcher != nil && h.Watcher.Running()}
	hp.EncodeAndRespond(w, r)
}

// ClearReadDir deletes the files left in the read folder with the extension {"str": ext}
// and replies with how many were removed
func (h HTTPWrapper) ClearReadDir(w http.ResponseWriter, r *http.Request) {
	if h.Watcher == nil {
		http.Error(w, "no watcher", http.StatusNotFound)
		return
	}
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := h.Watcher.ClearReadDir(r.Context(), str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.Int, Int: n}
	hp.EncodeAndRespond(w, r)
}

// multirunRequest is the body of POST /multirun.  Vars is parsed with ParseVars.
type multirunRequest struct {
	Vars    string `json:"vars"`
	Omit    int    `json:"omit"`
	PerHist int    `json:"perHist"`
	Prefix  string `json:"prefix"`
	Dir     string `json:"dir"`
}

// GetMultirun sends the progress of the multirun as JSON
func (h HTTPWrapper) GetMultirun(w http.ResponseWriter, r *http.Request) {
	st := h.Multirun()
	server.ReplyWithJSON(w, struct {
		MultirunStatus
		Summary string `json:"summary"`
	}{st, st.String()})
}

// StartMultirun begins a multirun from JSON {"vars": "0,10,2;15", "omit", "perHist", "prefix", "dir"}
func (h HTTPWrapper) StartMultirun(w http.ResponseWriter, r *http.Request) {
	req := multirunRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vars, err := ParseVars(req.Vars)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spec, err := h.Service.StartMultirun(MultirunSpec{
		Vars:    vars,
		Omit:    req.Omit,
		PerHist: req.PerHist,
		Prefix:  req.Prefix,
		Dir:     req.Dir,
	})
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrMultirunActive) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	server.ReplyWithJSON(w, spec)
}

// AbortMultirun stops the multirun
func (h HTTPWrapper) AbortMultirun(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.AbortMultirun(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}
