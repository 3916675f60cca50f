package main

import (
	"log"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/saia-lab/saia/analysis"
	"github.com/saia-lab/saia/dirwatch"
	"github.com/saia-lab/saia/histo"
	"github.com/saia-lab/saia/histostats"
	"github.com/saia-lab/saia/imgproc"
	"github.com/saia-lab/saia/imgrec"
)

// EnvPrefix marks environment variables that override the config file.  Nested keys
// are separated by a double underscore, e.g. SAIA_DIRS__IMAGEREAD.
const EnvPrefix = "SAIA_"

// Config holds the settings of the analyser
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Endpoint is the URL stem the routes are served under, e.g. /saia.  Blank serves them at the root.
	Endpoint string `yaml:"Endpoint"`

	// Debug selects the development logger
	Debug bool `yaml:"Debug"`

	// LegacyConfig is the path of a config.dat listing the directories.  When set it
	// replaces Dirs.
	LegacyConfig string `yaml:"LegacyConfig"`

	Dirs dirwatch.Dirs `yaml:"Dirs"`

	// Species is the prefix of stored image names
	Species string `yaml:"Species"`

	// Active selects copying images under the run number (true) or analysing them in place
	Active bool `yaml:"Active"`

	// Delim separates the columns of ASCII images; blank means any whitespace
	Delim string `yaml:"Delim"`

	ROI imgproc.ROI `yaml:"ROI"`

	// Bins are the histogram bins; N of zero chooses them automatically
	Bins histo.Bins `yaml:"Bins"`

	Camera histostats.Camera `yaml:"Camera"`

	// Refresh is the shortest interval between histogram updates
	Refresh time.Duration `yaml:"Refresh"`

	// Capacity is how many images the buffers grow by
	Capacity int `yaml:"Capacity"`

	// ClearOnStart deletes leftover images in the read folder before watching
	ClearOnStart bool `yaml:"ClearOnStart"`

	// ImageExt is the extension of the images the camera writes
	ImageExt string `yaml:"ImageExt"`
}

func defaults() Config {
	return Config{
		Addr: ":8000",
		Dirs: dirwatch.Dirs{
			ImageStorage: "images",
			LogFile:      "logs",
			DexterSync:   "dexter/currentfile.txt",
			ImageRead:    "read",
			Results:      "results",
		},
		Species:  imgrec.DefaultSpecies,
		Active:   true,
		Camera:   histostats.DefaultCamera,
		Refresh:  analysis.DefaultRefresh,
		Capacity: histo.DefaultCapacity,
		ImageExt: "asc",
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	known := k.Keys()
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", ".")
		for _, kk := range known {
			if strings.EqualFold(kk, key) {
				return kk
			}
		}
		return key
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

// load returns the effective config, with the directories read from the legacy file
// if one is named
func load() (Config, error) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	if c.LegacyConfig != "" {
		d, err := dirwatch.LoadDirs(c.LegacyConfig)
		if err != nil {
			return c, err
		}
		c.Dirs = d
	}
	return c, nil
}
