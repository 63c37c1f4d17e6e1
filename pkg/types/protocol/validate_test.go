package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWorkerName(t *testing.T) {
	valid := []string{"api-analyzer", "doc_writer", "w1", "A.b-c_d", "0worker"}
	for _, name := range valid {
		assert.NoError(t, ValidateWorkerName(name), name)
	}

	invalid := []string{"", ".hidden", "-lead", "a/b", "a b", "a\x00b", strings.Repeat("x", 129)}
	for _, name := range invalid {
		assert.Error(t, ValidateWorkerName(name), name)
	}
}

func TestValidateArtifactKey(t *testing.T) {
	valid := []string{"api_analysis", "api/endpoints", "a/b/c.json", "metrics.v2"}
	for _, key := range valid {
		assert.NoError(t, ValidateArtifactKey(key), key)
	}

	invalid := []string{"", "/abs", "trailing/", "a//b", "a/../b", "a/./b", "..", "bad segment/x"}
	for _, key := range invalid {
		assert.Error(t, ValidateArtifactKey(key), key)
	}
}
