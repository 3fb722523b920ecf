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

// Package buildinfo carries the version stamped into both binaries at build
// time.
package buildinfo

// Version is overridden via -ldflags at release build time.
var Version = "1.0.0-dev.0"

// MinCompatiblePty is the oldest ttyhost version mt will adopt during
// discovery. Overridden via -ldflags alongside Version.
var MinCompatiblePty = "1.0.0-dev.0"
