package onnx

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newSession(modelPath string, numClasses, threads int) (*session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(1)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, InputSize, InputSize))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+numClasses), NumAnchors))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	s, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &session{session: s, input: inputTensor, output: outputTensor}, nil
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

var (
	// ErrSessionsBusy means a pool was closed while inferences were still
	// running. Those sessions are left alive and the runtime must not be torn down.
	ErrSessionsBusy = errors.New("model sessions still running")

	errPoolClosed = errors.New("model is closed")
)

// sessionPool hands out sessions so concurrent requests never share tensors.
type sessionPool struct {
	sessions chan *session
	all      []*session
	done     chan struct{}
	once     sync.Once
	err      error
}

func newSessionPool(modelPath string, numClasses, size int) (*sessionPool, error) {
	threads := runtime.NumCPU() / size
	if threads < 1 {
		threads = 1
	}

	created := make([]*session, 0, size)
	for i := 0; i < size; i++ {
		s, err := newSession(modelPath, numClasses, threads)
		if err != nil {
			_ = newPool(created).destroy(0)
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		created = append(created, s)
	}

	return newPool(created), nil
}

func newPool(sessions []*session) *sessionPool {
	pool := &sessionPool{
		sessions: make(chan *session, len(sessions)),
		all:      sessions,
		done:     make(chan struct{}),
	}
	for _, s := range sessions {
		pool.sessions <- s
	}
	return pool
}

func (p *sessionPool) acquire(ctx context.Context) (*session, error) {
	select {
	case <-p.done:
		return nil, errPoolClosed
	default:
	}

	select {
	case s := <-p.sessions:
		return s, nil
	case <-p.done:
		return nil, errPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a model session: %w", ctx.Err())
	}
}

func (p *sessionPool) release(s *session) {
	p.sessions <- s
}

// destroy stops handing out sessions and frees each one once it is returned.
// Sessions still running after timeout are not freed.
func (p *sessionPool) destroy(timeout time.Duration) error {
	p.once.Do(func() {
		close(p.done)

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		idle := 0
	drain:
		for idle < len(p.all) {
			select {
			case s := <-p.sessions:
				s.destroy()
				idle++
				continue
			default:
			}

			select {
			case s := <-p.sessions:
				s.destroy()
				idle++
			case <-timer.C:
				break drain
			}
		}

		if busy := len(p.all) - idle; busy > 0 {
			p.err = fmt.Errorf("%d of %d sessions after %s: %w", busy, len(p.all), timeout, ErrSessionsBusy)
		}
	})
	return p.err
}
