package config

import (
	"DetectionService/pkg/gemini"
	"DetectionService/pkg/model"
	"DetectionService/pkg/onnx"
	websocketPkg "DetectionService/pkg/websocket"

	"github.com/sirupsen/logrus"
)

const (
	geminiPrefix = "gemini:"
	remotePrefix = "remote:"
)

// NewModelRegistry routes "gemini:" and "remote:" selectors to their backends
// and everything else to local ONNX checkpoints.
func NewModelRegistry(env *Env, store onnx.ModelStore, geminiClient gemini.IGemini, log *logrus.Logger) *model.Registry {
	onnxLoader := onnx.NewLoader(onnx.Config{
		ModelDir:    env.ModelDir,
		LibraryPath: env.OnnxLibraryPath,
		PoolSize:    env.OnnxPoolSize,
		Store:       store,
	}, log)

	remoteLoader := websocketPkg.NewLoader(websocketPkg.Config{
		URL:         env.RemoteDetectorURL,
		ReadTimeout: env.DetectTimeout,
	}, log)

	router := model.NewRouter(onnxLoader.Load).
		Handle(geminiPrefix, gemini.NewLoader(geminiClient)).
		Handle(remotePrefix, remoteLoader)

	return model.NewRegistry(router.Load, log)
}
