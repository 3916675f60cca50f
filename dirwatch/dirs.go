package dirwatch

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dirs are the paths SAIA works with
type Dirs struct {
	// ImageStorage is the root of the dated folders images are copied into
	ImageStorage string `yaml:"ImageStorage" json:"imageStorage"`

	// LogFile is the root of the dated folders holding the statistics log
	LogFile string `yaml:"LogFile" json:"logFile"`

	// DexterSync is the file the experiment controller writes the run number to
	DexterSync string `yaml:"DexterSync" json:"dexterSync"`

	// ImageRead is the folder the camera driver writes images to
	ImageRead string `yaml:"ImageRead" json:"imageRead"`

	// Results is the default folder for saved histograms
	Results string `yaml:"Results" json:"results"`
}

// labels of the legacy config.dat, in file order
var dirLabels = []string{
	"image storage path",
	"log file path",
	"dexter sync file",
	"image read path",
	"results path",
}

func (d *Dirs) fields() []*string {
	return []*string{&d.ImageStorage, &d.LogFile, &d.DexterSync, &d.ImageRead, &d.Results}
}

// LoadDirs parses a config.dat file, whose lines look like
//
//	image storage path	--/data/images
//
// lines without a known label are ignored
func LoadDirs(path string) (Dirs, error) {
	var d Dirs
	f, err := os.Open(path)
	if err != nil {
		return d, err
	}
	defer f.Close()
	fields := d.fields()
	found := 0
	scn := bufio.NewScanner(f)
	for scn.Scan() {
		line := scn.Text()
		idx := strings.Index(line, "--")
		if idx < 0 {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(line[:idx]))
		for i, l := range dirLabels {
			if label == l {
				*fields[i] = strings.TrimSpace(line[idx+2:])
				found++
				break
			}
		}
	}
	if err := scn.Err(); err != nil {
		return d, err
	}
	if found == 0 {
		return d, fmt.Errorf("%s holds no directory settings", path)
	}
	return d, nil
}

// String formats the dirs in the config.dat layout
func (d Dirs) String() string {
	var b strings.Builder
	b.WriteString("// list of required directories for SAIA\n")
	for i, f := range d.fields() {
		fmt.Fprintf(&b, "%s\t--%s\n", dirLabels[i], *f)
	}
	return b.String()
}

// Save writes the dirs to a config.dat file
func (d Dirs) Save(path string) error {
	return os.WriteFile(path, []byte(d.String()), 0644)
}

// SyncInReadDir reports if the Dexter sync file lives in the image read folder,
// where its updates would look like new images
func (d Dirs) SyncInReadDir() bool {
	if d.DexterSync == "" || d.ImageRead == "" {
		return false
	}
	return filepath.Clean(filepath.Dir(d.DexterSync)) == filepath.Clean(d.ImageRead)
}
