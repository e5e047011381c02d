package main

import (
	"bytes"
	"testing"
)

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲区，结束时恢复。
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut, prevErr := stdOut, stdErr
	stdOut = &bytes.Buffer{}
	stdErr = &bytes.Buffer{}

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	if buf == nil {
		return &bytes.Buffer{}
	}
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	if buf == nil {
		return &bytes.Buffer{}
	}
	return buf
}
