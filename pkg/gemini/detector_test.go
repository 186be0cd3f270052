package gemini

import (
	"context"
	"errors"
	"image"
	"testing"

	"DetectionService/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	response  string
	err       error
	modelName string
	prompt    string
}

func (s *stubClient) AnalyzeImage(_ context.Context, modelName string, _ []byte, prompt string) (string, error) {
	s.modelName = modelName
	s.prompt = prompt
	return s.response, s.err
}

func (s *stubClient) Close() error { return nil }

func TestParseDetections(t *testing.T) {
	index := model.ClassIndex(model.NamesFromList(model.COCONames))
	response := "```json\n[" +
		`{"box_2d":[100,250,500,750],"label":"Cat","confidence":0.87},` +
		`{"box_2d":[0,0,10,10],"label":"unicorn","confidence":0.99},` +
		`{"box_2d":[0,0,10,10],"label":"dog","confidence":0.1},` +
		`{"box_2d":[10,10],"label":"dog","confidence":0.9}` +
		"]\n```"

	preds, err := parseDetections(response, 400, 200, 0.3, index)
	require.NoError(t, err)
	require.Len(t, preds, 1)

	assert.Equal(t, 15, preds[0].ClassID)
	assert.InDelta(t, 0.87, preds[0].Confidence, 1e-6)
	assert.InDelta(t, 100, preds[0].Box.X1, 1e-9)
	assert.InDelta(t, 20, preds[0].Box.Y1, 1e-9)
	assert.InDelta(t, 300, preds[0].Box.X2, 1e-9)
	assert.InDelta(t, 100, preds[0].Box.Y2, 1e-9)
}

func TestParseDetectionsInvalid(t *testing.T) {
	_, err := parseDetections("I could not find anything", 10, 10, 0.3, nil)
	assert.Error(t, err)

	preds, err := parseDetections("[]", 10, 10, 0.3, nil)
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestLoader(t *testing.T) {
	_, err := NewLoader(nil)(context.Background(), "gemini-2.0-flash")
	assert.ErrorIs(t, err, model.ErrModelNotFound)

	client := &stubClient{response: `[{"box_2d":[0,0,500,500],"label":"person","confidence":0.9}]`}
	backend, err := NewLoader(client)(context.Background(), "gemini-2.0-flash")
	require.NoError(t, err)
	assert.Equal(t, "person", backend.Names()[0])

	preds, err := backend.Predict(context.Background(), image.NewNRGBA(image.Rect(0, 0, 64, 64)), 0.5)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.InDelta(t, 32, preds[0].Box.X2, 1e-9)
	assert.Equal(t, "gemini-2.0-flash", client.modelName)
	assert.Contains(t, client.prompt, "0.50")
}

func TestPredictPropagatesClientError(t *testing.T) {
	backend, err := NewLoader(&stubClient{err: errors.New("quota exceeded")})(context.Background(), "m")
	require.NoError(t, err)

	_, err = backend.Predict(context.Background(), image.NewNRGBA(image.Rect(0, 0, 8, 8)), 0.3)
	assert.EqualError(t, err, "quota exceeded")
}
