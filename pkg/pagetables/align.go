// Copyright 2023 The gVisor Authors.
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

package pagetables

import "golang.org/x/exp/constraints"

// RoundDown rounds x down to a multiple of align, which must be a power of
// two.
func RoundDown[T constraints.Unsigned](x, align T) T {
	return x &^ (align - 1)
}

// RoundUp rounds x up to a multiple of align, which must be a power of two.
func RoundUp[T constraints.Unsigned](x, align T) T {
	return RoundDown(x+align-1, align)
}

// IsAligned returns true iff x is a multiple of align.
func IsAligned[T constraints.Unsigned](x, align T) bool {
	return x&(align-1) == 0
}

// FrameOf returns the frame number containing addr.
func FrameOf[T constraints.Unsigned](addr T) T {
	return addr >> PageShift
}
