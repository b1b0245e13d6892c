package procmem

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRSSMBReadsCurrentProcess(t *testing.T) {
	rss, err := RSSMB(os.Getpid())
	if err != nil {
		t.Skipf("procfs unavailable in this environment: %v", err)
	}
	assert.Greater(t, rss, uint64(0))
}

func TestRSSMBErrorsOnNonexistentPID(t *testing.T) {
	_, err := RSSMB(1 << 30)
	assert.Error(t, err)
}
