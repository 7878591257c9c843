package nat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, TypeUnknown, Classify(nil))
	assert.Equal(t, TypeUnknown, Classify([]string{"203.0.113.1:4000"}))
	assert.Equal(t, TypeCone, Classify([]string{"203.0.113.1:4000", "203.0.113.1:4000"}))
	assert.Equal(t, TypeSymmetric, Classify([]string{"203.0.113.1:4000", "203.0.113.1:4001"}))
}

func TestProbeRequiresServers(t *testing.T) {
	_, err := Probe(context.Background(), nil, time.Second)
	assert.Error(t, err)
}
