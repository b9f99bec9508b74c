package workerpool

import (
	"time"

	"go.uber.org/zap"
)

type config struct {
	min    int
	max    int
	grace  time.Duration
	name   string
	logger *zap.Logger
}

// Option is a function type for configuring the Pool.
// Option은 Pool 설정을 위한 함수 타입입니다.
type Option func(*config)

// WithMin sets the number of workers started up front and kept through trims.
// WithMin은 처음에 시작되고 트림 후에도 유지되는 워커 수를 설정합니다.
func WithMin(n int) Option {
	return func(c *config) {
		c.min = n
	}
}

// WithMax sets the upper bound of spawned workers.
// WithMax는 생성 가능한 워커 수의 상한을 설정합니다.
func WithMax(n int) Option {
	return func(c *config) {
		c.max = n
	}
}

// WithShutdownGrace sets how long interrupted workers get to unwind during a
// forced shutdown before they are abandoned.
// WithShutdownGrace는 강제 종료 시 중단된 워커가 정리할 수 있는 유예 시간을 설정합니다.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *config) {
		c.grace = d
	}
}

// WithName sets the name used in log entries.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithLogger sets the logger.
// WithLogger는 로거를 설정합니다.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}
