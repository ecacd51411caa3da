package klog

import "armkernel/kernel/kfmt"

// recordBuf backs Printf's formatting so a log line can be built without
// touching the heap allocator.
var recordBuf recordWriter

type recordWriter struct {
	buf [maxPayload]byte
	n   int
}

func (w *recordWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.n:], p)
	w.n += n
	return n, nil
}

// Printf formats format/args the way kfmt.Printf does and writes the
// result to the log ring (and, depending on thresholds, the console) at
// severity l.
func Printf(l Level, format string, args ...interface{}) {
	recordBuf.n = 0
	kfmt.Fprintf(&recordBuf, format, args...)
	Write(l, string(recordBuf.buf[:recordBuf.n]))
}
