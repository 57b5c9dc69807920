package pipeline

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountIngestedSplitsByDuplicate(t *testing.T) {
	accepted := testutil.ToFloat64(documentsIngested)
	dupes := testutil.ToFloat64(duplicateUploads)

	CountIngested(false)
	CountIngested(true)
	CountIngested(true)

	if got := testutil.ToFloat64(documentsIngested); got != accepted+1 {
		t.Fatalf("accepted counter = %v, expected %v", got, accepted+1)
	}
	if got := testutil.ToFloat64(duplicateUploads); got != dupes+2 {
		t.Fatalf("duplicate counter = %v, expected %v", got, dupes+2)
	}
}
