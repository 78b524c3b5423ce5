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

// setup mimics an open path that takes a guest reference and registers two
// notifiers, failing after step failAt.
func setup(failAt int, log *[]string) (func(), error) {
	*log = append(*log, "incref")
	cu := Make(func() { *log = append(*log, "decref") })
	defer cu.Clean()

	if failAt == 1 {
		return nil, errors.New("unmap registration failed")
	}
	*log = append(*log, "register unmap")
	cu.Add(func() { *log = append(*log, "unregister unmap") })

	if failAt == 2 {
		return nil, errors.New("teardown registration failed")
	}
	*log = append(*log, "register teardown")
	cu.Add(func() { *log = append(*log, "unregister teardown") })

	return cu.Release(), nil
}

func TestCleanupOnFailure(t *testing.T) {
	for _, tc := range []struct {
		name   string
		failAt int
		want   []string
	}{
		{
			name:   "first step",
			failAt: 1,
			want:   []string{"incref", "decref"},
		},
		{
			name:   "second step",
			failAt: 2,
			want:   []string{"incref", "register unmap", "unregister unmap", "decref"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var log []string
			if _, err := setup(tc.failAt, &log); err == nil {
				t.Fatalf("setup succeeded, want error")
			}
			if diff := cmp.Diff(tc.want, log); diff != "" {
				t.Errorf("unexpected steps (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRelease(t *testing.T) {
	var log []string
	undo, err := setup(0, &log)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	want := []string{"incref", "register unmap", "register teardown"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("released cleanup ran (-want +got):\n%s", diff)
	}

	undo()
	want = append(want, "unregister teardown", "unregister unmap", "decref")
	if diff := cmp.Diff(want, log); diff != "" {
		t.Errorf("unexpected steps after undo (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	calls := 0
	cu := Make(func() { calls++ })
	cu.Clean()
	cu.Clean()
	if calls != 1 {
		t.Errorf("cleaner ran %d times, want 1", calls)
	}
}
