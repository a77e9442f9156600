// Copyright 2024 The gVisor Authors.
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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// build simulates a constructor that acquires three resources and fails
// after acquiring failAfter of them.
func build(failAfter int, released *[]string) (func(), error) {
	names := []string{"memory", "slots", "mmu"}
	cu := Make(func() {})
	defer cu.Clean()
	for i, name := range names {
		if i == failAfter {
			return nil, errors.New("construction failed")
		}
		cu.Add(func() { *released = append(*released, name) })
	}
	return cu.Release(), nil
}

func TestCleanOnError(t *testing.T) {
	for _, tc := range []struct {
		failAfter int
		want      []string
	}{
		{failAfter: 0, want: nil},
		{failAfter: 1, want: []string{"memory"}},
		{failAfter: 2, want: []string{"slots", "memory"}},
	} {
		var released []string
		if _, err := build(tc.failAfter, &released); err == nil {
			t.Fatalf("build(%d) succeeded", tc.failAfter)
		}
		if diff := cmp.Diff(tc.want, released); diff != "" {
			t.Errorf("build(%d) released mismatch (-want +got):\n%s", tc.failAfter, diff)
		}
	}
}

func TestRelease(t *testing.T) {
	var released []string
	undo, err := build(3, &released)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("released %v after success", released)
	}
	undo()
	if diff := cmp.Diff([]string{"mmu", "slots", "memory"}, released); diff != "" {
		t.Errorf("undo mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	calls := 0
	cu := Make(func() { calls++ })
	cu.Clean()
	cu.Clean()
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}
