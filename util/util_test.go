package util_test

import (
	"fmt"
	"testing"

	"github.com/saia-lab/saia/util"
)

func ExampleJoinInts() {
	fmt.Println(util.JoinInts([]int{32, 40, 6}, " ; "))
	// Output: 32 ; 40 ; 6
}

func TestClampInt(t *testing.T) {
	if out := util.ClampInt(7, 1, 5); out != 5 {
		t.Errorf("expected 5 got %d", out)
	}
	if out := util.ClampInt(3, 1, 5); out != 3 {
		t.Errorf("expected 3 got %d", out)
	}
}

func TestAllElementsNumbers(t *testing.T) {
	for _, s := range []string{"1234", "0"} {
		if !util.AllElementsNumbers(s) {
			t.Errorf("expected %q to be all numbers", s)
		}
	}
	for _, s := range []string{"", "12a", "-1"} {
		if util.AllElementsNumbers(s) {
			t.Errorf("expected %q not to be all numbers", s)
		}
	}
}
