package main

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"
)

// kernelLog is an io.Writer that forwards the kernel console output to
// logrus, one entry per line.
type kernelLog struct {
	entry *logrus.Entry
	buf   bytes.Buffer
}

func newKernelLog(logger *logrus.Logger) *kernelLog {
	return &kernelLog{entry: logger.WithField("src", "kernel")}
}

func (k *kernelLog) Write(p []byte) (int, error) {
	k.buf.Write(p)
	for {
		line, err := k.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line until it is terminated.
			k.buf.Reset()
			k.buf.WriteString(line)
			return len(p), nil
		}

		if line = strings.TrimRight(line, "\n"); strings.TrimSpace(line) != "" {
			k.entry.Info(line)
		}
	}
}

// Flush logs any buffered partial line.
func (k *kernelLog) Flush() {
	if line := strings.TrimSpace(k.buf.String()); line != "" {
		k.entry.Info(line)
	}
	k.buf.Reset()
}
