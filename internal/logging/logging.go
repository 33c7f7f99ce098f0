// Package logging sets up the component-scoped loggers used throughout
// forge. The launcher, builder, runtime bridge, rootfs, network and cgroup
// code log their lifecycle steps through one of these loggers instead of
// fmt.Println; the store package does not log. The rootfs, network and
// cgroup loggers carry the bracketed phase tags the original shell-out
// tooling printed ("[fs]", "[net]", "[cgroup]") as a structured field.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if os.Getenv("FORGE_DEBUG") != "" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// For returns a logger scoped to the given component and phase tag, e.g.
// For("launch", "fs") logs with component=launch phase=fs fields.
func For(component, phase string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": component,
		"phase":     phase,
	})
}
