/*
   Copyright 2025 MidTerm authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package ptyhost

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestTitleParserBelTerminated(t *testing.T) {
	var p titleParser
	title, ok := p.feed([]byte("before\x1b]0;user@host: ~\x07after"))
	assert.Assert(t, ok)
	assert.Equal(t, title, "user@host: ~")
}

func TestTitleParserStTerminated(t *testing.T) {
	var p titleParser
	title, ok := p.feed([]byte("\x1b]2;vim session.go\x1b\\"))
	assert.Assert(t, ok)
	assert.Equal(t, title, "vim session.go")
}

func TestTitleParserAcrossChunks(t *testing.T) {
	var p titleParser
	_, ok := p.feed([]byte("\x1b]0;spl"))
	assert.Assert(t, !ok)
	title, ok := p.feed([]byte("it title\x07"))
	assert.Assert(t, ok)
	assert.Equal(t, title, "split title")
}

func TestTitleParserIgnoresOtherOsc(t *testing.T) {
	var p titleParser
	_, ok := p.feed([]byte("\x1b]10;?\x07plain output\x1b[31mred\x1b[0m"))
	assert.Assert(t, !ok)
}

func TestTitleParserKeepsLastTitle(t *testing.T) {
	var p titleParser
	title, ok := p.feed([]byte("\x1b]0;first\x07\x1b]0;second\x07"))
	assert.Assert(t, ok)
	assert.Equal(t, title, "second")
}

func TestTitleParserCapsRunawayTitle(t *testing.T) {
	var p titleParser
	long := make([]byte, 10*maxTitleLen)
	for i := range long {
		long[i] = 'a'
	}
	title, ok := p.feed(append(append([]byte("\x1b]0;"), long...), 0x07))
	assert.Assert(t, ok)
	assert.Equal(t, len(title), maxTitleLen)
}
