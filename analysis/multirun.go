package analysis

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMultirunActive is returned when an action needs the multirun to be stopped
var ErrMultirunActive = errors.New("a multirun is in progress")

// MaxVars is the most user variables a multirun may have
const MaxVars = 100000

// ParseVars reads a list of user variables.  Each comma separated group is either a single
// value or start,stop,step[,repeat] giving values from start up to but excluding stop,
// optionally repeated.  Groups are separated by semicolons.
func ParseVars(s string) ([]float64, error) {
	var out []float64
	for _, group := range strings.Split(s, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		var nums []float64
		for _, f := range strings.Split(group, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("user variable %q: %w", f, err)
			}
			nums = append(nums, v)
		}
		switch len(nums) {
		case 1:
			out = append(out, nums[0])
		case 3, 4:
			start, stop, step := nums[0], nums[1], nums[2]
			if step == 0 || (stop-start)/step < 0 {
				return nil, fmt.Errorf("range %q never reaches its end", group)
			}
			steps := math.Ceil((stop - start) / step)
			if math.IsNaN(steps) || steps > MaxVars {
				return nil, fmt.Errorf("range %q gives more than %d values", group, MaxVars)
			}
			n := int(steps)
			repeat := 1
			if len(nums) == 4 {
				if nums[3] < 0 || nums[3] > MaxVars {
					return nil, fmt.Errorf("range %q repeats %g times", group, nums[3])
				}
				repeat = int(nums[3])
			}
			if len(out)+n*repeat > MaxVars {
				return nil, fmt.Errorf("more than %d user variables", MaxVars)
			}
			for r := 0; r < repeat; r++ {
				for i := 0; i < n; i++ {
					out = append(out, start+float64(i)*step)
				}
			}
		case 0:
		default:
			return nil, fmt.Errorf("user variable group %q must have 1, 3 or 4 values", group)
		}
	}
	return out, nil
}

// MultirunSpec describes a multirun: for each user variable, Omit images are stored but
// not analysed, then PerHist images make up a histogram which is saved as
// <Dir>/<Prefix>_<i>.csv.  The statistics of every histogram are saved as <Dir>/<Prefix>.dat
// at the end.
type MultirunSpec struct {
	Vars    []float64 `json:"vars"`
	Omit    int       `json:"omit"`
	PerHist int       `json:"perHist"`
	Prefix  string    `json:"prefix"`
	Dir     string    `json:"dir"`
}

// Validate checks the spec can be run
func (m MultirunSpec) Validate() error {
	switch {
	case len(m.Vars) == 0:
		return errors.New("multirun needs at least one user variable")
	case len(m.Vars) > MaxVars:
		return fmt.Errorf("multirun has more than %d user variables", MaxVars)
	case m.PerHist <= 0:
		return errors.New("multirun needs at least one image per histogram")
	case m.Omit < 0:
		return errors.New("multirun cannot omit a negative number of images")
	case strings.ContainsAny(m.Prefix, `/\`):
		return fmt.Errorf("invalid multirun prefix %q", m.Prefix)
	}
	return nil
}

// MultirunStatus is the progress of a multirun
type MultirunStatus struct {
	Active  bool         `json:"active"`
	Spec    MultirunSpec `json:"spec"`
	Var     int          `json:"var"`
	Omitted int          `json:"omitted"`
	InHist  int          `json:"inHist"`
	Percent float64      `json:"percent"`
}

// String is a one line progress report
func (s MultirunStatus) String() string {
	if len(s.Spec.Vars) == 0 {
		return "no multirun"
	}
	v := s.Spec.Vars[min(s.Var, len(s.Spec.Vars)-1)]
	return fmt.Sprintf("User variable: %g, omit %d of %d files, %d of %d histogram files, %.3g%% complete",
		v, s.Omitted, s.Spec.Omit, s.InHist, s.Spec.PerHist, s.Percent)
}

// multirun counts images through the stages of a multirun.  It is not safe for concurrent use.
type multirun struct {
	spec    MultirunSpec
	omitted int
	inHist  int
	v       int
}

// step is what to do with an image
type step int

const (
	stepOmit step = iota
	stepProcess
	stepDone
)

// next returns what to do with the next image
func (m *multirun) next() step {
	switch {
	case m.v >= len(m.spec.Vars):
		return stepDone
	case m.omitted < m.spec.Omit:
		m.omitted++
		return stepOmit
	default:
		m.inHist++
		return stepProcess
	}
}

// drop takes back the last image handed to the histogram, which could not be processed
func (m *multirun) drop() {
	if m.inHist > 0 {
		m.inHist--
	}
}

// histDone reports if the current histogram is complete
func (m *multirun) histDone() bool {
	return m.omitted == m.spec.Omit && m.inHist == m.spec.PerHist
}

// advance moves on to the next user variable and reports if the multirun is finished
func (m *multirun) advance() bool {
	m.omitted, m.inHist = 0, 0
	m.v++
	return m.v >= len(m.spec.Vars)
}

func (m *multirun) status() MultirunStatus {
	per := m.spec.Omit + m.spec.PerHist
	total := per * len(m.spec.Vars)
	pct := 0.
	if total > 0 {
		pct = 100 * float64(per*m.v+m.omitted+m.inHist) / float64(total)
	}
	return MultirunStatus{
		Active:  m.v < len(m.spec.Vars),
		Spec:    m.spec,
		Var:     m.v,
		Omitted: m.omitted,
		InHist:  m.inHist,
		Percent: pct,
	}
}
