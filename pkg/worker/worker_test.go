package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyoda-platform/cyoda-worker-go/config"
	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
)

func TestRegisterProcessorRejectsDuplicateVersion(t *testing.T) {
	w := New()
	key := model.ModelKey{Name: "Item", Version: 1}
	fn := func(ctx context.Context, e *model.Entity) (*model.Entity, error) { return e, nil }

	require.NoError(t, w.RegisterProcessor("TagAdder", 1, key, fn))
	assert.Error(t, w.RegisterProcessor("TagAdder", 1, key, fn))
}

func TestRegisterModelRejectsDuplicateDescriptor(t *testing.T) {
	w := New()
	d := model.EntityDescriptor{Name: "Item", Version: 1, Schema: []string{"name"}}

	require.NoError(t, w.RegisterModel(d))
	assert.Error(t, w.RegisterModel(d))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	w := New()
	err := w.Run(context.Background(), &config.Config{})
	require.Error(t, err)

	var invalid *config.ErrConfigInvalid
	assert.ErrorAs(t, err, &invalid)
}

func TestEntityServiceNilWithoutBaseURL(t *testing.T) {
	w := New()
	assert.Nil(t, w.EntityService())
}
