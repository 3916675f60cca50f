package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	yml "gopkg.in/yaml.v2"

	"github.com/saia-lab/saia/analysis"
	"github.com/saia-lab/saia/dirwatch"
	"github.com/saia-lab/saia/generichttp"
	"github.com/saia-lab/saia/histo"
	"github.com/saia-lab/saia/histostats"
	"github.com/saia-lab/saia/imgproc"
	"github.com/saia-lab/saia/imgrec"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "saia.yml"
	k              = koanf.New(".")
)

func root() {
	str := `saia watches the folder a camera writes single atom images to, files each image
under the run number of the experiment and histograms the counts in a region of
interest to find the threshold between background and atom signal.
The histogram, statistics and settings are served over HTTP.

Usage:
	saia <command>

Commands:
	run
	reprocess <folder> [output.csv]
	stats <file.dat>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `saia is amenable to configuration via its .yml file, saia.yml in the working
directory.  Any key may also be set with an environment variable prefixed SAIA_,
nested keys joined by a double underscore, e.g.
	SAIA_ADDR=:9000
	SAIA_DIRS__IMAGEREAD=D:\camera

Dirs holds the folders:
	ImageStorage  root of the dated folders images are stored in
	LogFile       root of the dated folders of the statistics log
	DexterSync    file the experiment controller writes the run number to
	ImageRead     folder the camera writes images to
	Results       folder histograms and multirun results are saved to
Instead of Dirs, LegacyConfig may name a config.dat in the old format.

With Active true each image is copied to ImageStorage under the run number read
from DexterSync and removed from ImageRead.  Otherwise images are analysed where
they are.  Only one active analyser may use an ImageStorage folder at a time.

ROI is the square region of interest, XC, YC and Size in pixels.  A Size of 0
uses the whole image.  Bins with N of 0 are chosen from the data.

GET /endpoints lists the HTTP routes.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := load()
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("saia version %v\n", Version)
}

func newLogger(debug bool) *zap.SugaredLogger {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	return l.Sugar()
}

// newHandler makes a histogram handler with the configured settings
func newHandler(c Config, lg *zap.SugaredLogger) (*histo.Handler, error) {
	h := histo.NewHandler(c.Capacity, c.Delim)
	h.Log = lg
	if err := h.SetROI(c.ROI); err != nil {
		return nil, err
	}
	if err := h.SetBins(c.Bins.Lo, c.Bins.Hi, c.Bins.N); err != nil {
		return nil, err
	}
	return h, nil
}

func run() {
	c, err := load()
	if err != nil {
		log.Fatal(err)
	}
	lg := newLogger(c.Debug)
	defer lg.Sync()

	hist, err := newHandler(c, lg)
	if err != nil {
		lg.Fatalw("bad histogram settings", "err", err)
	}
	rec := imgrec.New(c.Dirs.ImageStorage, c.Species)
	rec.Log = lg
	rec.SetEnabled(c.Active)
	statLog := &histostats.Log{Root: c.Dirs.LogFile, Species: rec.Species()}
	if p, err := statLog.Init(); err != nil {
		lg.Warnw("could not start statistics log", "err", err)
	} else {
		lg.Infow("statistics log", "path", p)
	}

	if err = os.MkdirAll(c.Dirs.ImageRead, 0777); err != nil {
		lg.Fatalw("creating image read folder", "err", err)
	}
	w := dirwatch.New(c.Dirs, rec, lg)
	svc := analysis.New(hist, statLog, c.Refresh)
	svc.Watcher = w
	svc.Camera = c.Camera
	svc.Results = c.Dirs.Results
	svc.Log = lg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if c.ClearOnStart {
		n, err := w.ClearReadDir(ctx, c.ImageExt)
		if err != nil {
			lg.Fatalw("clearing read folder", "err", err)
		}
		lg.Infow("removed leftover images", "n", n)
	} else if left, err := w.Existing(c.ImageExt); err == nil && len(left) > 0 {
		lg.Warnw("images already in the read folder will not be analysed", "n", len(left))
	}

	if err = w.Start(ctx); err != nil {
		lg.Fatalw("starting watcher", "err", err)
	}
	defer w.Stop()
	go svc.Run(ctx, w.Events())

	mux := chi.NewRouter()
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	mux.Use(svc.Locker.Check)
	rt := analysis.NewHTTPWrapper(svc).RT()
	rt.Merge(generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/version"}: generichttp.GetString(func() (string, error) { return Version, nil }),
	})
	if c.Endpoint == "" {
		rt.Bind(mux)
	} else {
		sub := chi.NewRouter()
		rt.Bind(sub)
		mux.Mount(generichttp.SubMuxSanitize(c.Endpoint), sub)
	}

	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	lg.Infow("now listening for requests", "addr", c.Addr, "endpoint", c.Endpoint, "read", c.Dirs.ImageRead, "active", rec.Enabled())
	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatalw("http server", "err", err)
	}
}

// reprocess rebuilds a histogram from a folder of stored images and saves it
func reprocess(args []string) {
	if len(args) < 1 {
		log.Fatal("usage: saia reprocess <folder> [output.csv]")
	}
	c, err := load()
	if err != nil {
		log.Fatal(err)
	}
	lg := newLogger(c.Debug)
	defer lg.Sync()
	hist, err := newHandler(c, lg)
	if err != nil {
		log.Fatal(err)
	}
	svc := analysis.New(hist, nil, c.Refresh)
	svc.Camera = c.Camera
	svc.Results = c.Dirs.Results
	svc.Log = lg

	entries, err := os.ReadDir(args[0])
	if err != nil {
		log.Fatal(err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.EqualFold(filepath.Ext(name), "."+c.ImageExt) || imgproc.IsFITS(name) {
			paths = append(paths, filepath.Join(args[0], name))
		}
	}
	out := filepath.Base(filepath.Clean(args[0]))
	if len(args) > 1 {
		out = args[1]
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           fmt.Sprintf("processing %d images", len(paths)),
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	n, err := svc.Reprocess(ctx, paths, func(done, total int) {
		spinner.Message(fmt.Sprintf("%d/%d images", done, total))
	})
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	path, err := svc.SaveHistogram(out)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage(fmt.Sprintf("%d images, saved to %s", n, path))
	spinner.Stop()

	l := hist.LoadingProbability()
	f, ef := hist.Fidelity()
	fmt.Printf("threshold %.0f, loading probability %.3f (%d/%d), fidelity %.3f ± %.3f\n",
		hist.Threshold(), l.P, l.Above, l.Above+l.Below, f, ef)
}

// stats prints a statistics table or log as a table
func stats(args []string) {
	if len(args) < 1 {
		log.Fatal("usage: saia stats <file.dat>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	rows, err := histostats.ReadRows(f)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(renderStats(rows))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "reprocess":
		reprocess(args[2:])
		return
	case "stats":
		stats(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
