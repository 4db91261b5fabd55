package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NullLogger discards everything logged to it. Useful for tests and as a
// default for optional logger dependencies.
var NullLogger = &logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}
