// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter emits logs in the format of github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg...
type GoogleEmitter struct {
	*Writer
}

// levelChars are the glog severity letters.
var levelChars = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// pid is the right-aligned process ID used in place of glog's thread ID.
var pid = fmt.Sprintf("%7d", os.Getpid())

// caller returns the file:line of the function depth frames above the
// emitter's caller.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "x:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// appendDigits appends v zero padded to n digits.
func appendDigits(b []byte, v, n int) []byte {
	var d [6]byte
	for i := n - 1; i >= 0; i-- {
		d[i] = '0' + byte(v%10)
		v /= 10
	}
	return append(b, d[:n]...)
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := local[:0]

	c := byte('?')
	if int(level) < len(levelChars) {
		c = levelChars[level]
	}
	b = append(b, c)

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b = appendDigits(b, int(month), 2)
	b = appendDigits(b, day, 2)
	b = append(b, ' ')
	b = appendDigits(b, hour, 2)
	b = append(b, ':')
	b = appendDigits(b, minute, 2)
	b = append(b, ':')
	b = appendDigits(b, second, 2)
	b = append(b, '.')
	b = appendDigits(b, timestamp.Nanosecond()/1000, 6)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, caller(depth)...)
	b = append(b, "] "...)
	b = fmt.Appendf(b, trimNewline(format), args...)
	b = append(b, '\n')

	g.Writer.Write(b)
}
