// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/t0118430/technological-foods-sub000/pkg/notify"
)

func storeAt(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := NewStore(nil, nil, filepath.Join(dir, "rules.json"))
	require.NoError(t, err)
	return s
}

func testRule(id string) Rule {
	return Rule{
		ID: id, Name: "Test rule", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30, WarningMargin: 2,
		Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical,
			Message: "Temperature too high", RecommendedAction: "Increase ventilation"},
	}
}

func TestStoreSeedsDefaultsWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	s := storeAt(t, dir)

	if diff := cmp.Diff(DefaultRules(), s.List()); diff != "" {
		t.Errorf("unexpected seeded rules (-want, +got): %s", diff)
	}
	// The seed run wrote the file; a second store loads the same set.
	s2 := storeAt(t, dir)
	if diff := cmp.Diff(s.List(), s2.List()); diff != "" {
		t.Errorf("reloaded rules differ from seeded ones (-want, +got): %s", diff)
	}

	r, ok := s.Get("notify_high_temp")
	require.True(t, ok)
	require.Equal(t, 30.0, r.Threshold)
	require.Equal(t, 2.0, r.WarningMargin)
}

func TestStoreCRUD(t *testing.T) {
	s := storeAt(t, t.TempDir())
	initial := len(s.List())

	r := testRule("custom_rule")
	require.NoError(t, s.Add(r))
	require.Len(t, s.List(), initial+1)

	got, ok := s.Get("custom_rule")
	require.True(t, ok)
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("unexpected rule after add (-want, +got): %s", diff)
	}

	// A second add with the same id is rejected.
	require.ErrorIs(t, s.Add(r), ErrExists)

	r.Threshold = 28
	require.NoError(t, s.Update("custom_rule", r))
	got, _ = s.Get("custom_rule")
	require.Equal(t, 28.0, got.Threshold)

	require.ErrorIs(t, s.Update("missing", r), ErrNotFound)

	require.NoError(t, s.Delete("custom_rule"))
	_, ok = s.Get("custom_rule")
	require.False(t, ok)
	require.ErrorIs(t, s.Delete("custom_rule"), ErrNotFound)
}

func TestStoreUpdateRejectsIDCollision(t *testing.T) {
	s := storeAt(t, t.TempDir())
	require.NoError(t, s.Add(testRule("a")))
	require.NoError(t, s.Add(testRule("b")))

	// Renaming b to a must fail; renaming b to c must work.
	r := testRule("a")
	require.ErrorIs(t, s.Update("b", r), ErrExists)

	r = testRule("c")
	require.NoError(t, s.Update("b", r))
	_, ok := s.Get("b")
	require.False(t, ok)
	_, ok = s.Get("c")
	require.True(t, ok)
}

func TestStorePutGetIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	s := storeAt(t, dir)
	path := filepath.Join(dir, "rules.json")

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Writing back an unchanged rule must not alter the file.
	r, ok := s.Get("notify_high_temp")
	require.True(t, ok)
	require.NoError(t, s.Update("notify_high_temp", r))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

func TestStoreRejectsInvalidRules(t *testing.T) {
	s := storeAt(t, t.TempDir())

	cases := []struct {
		doc  string
		rule Rule
	}{
		{"missing id", Rule{Sensor: "temperature", Condition: ConditionAbove,
			Action: Action{Type: ActionNotify, Message: "m"}}},
		{"missing sensor", Rule{ID: "x", Condition: ConditionAbove,
			Action: Action{Type: ActionNotify, Message: "m"}}},
		{"bad condition", Rule{ID: "x", Sensor: "temperature", Condition: "between",
			Action: Action{Type: ActionNotify, Message: "m"}}},
		{"bad action type", Rule{ID: "x", Sensor: "temperature", Condition: ConditionAbove,
			Action: Action{Type: "email"}}},
		{"notify without message", Rule{ID: "x", Sensor: "temperature", Condition: ConditionAbove,
			Action: Action{Type: ActionNotify}}},
		{"arduino without command", Rule{ID: "x", Sensor: "temperature", Condition: ConditionAbove,
			Action: Action{Type: ActionArduino}}},
		{"ac with unknown command", Rule{ID: "x", Sensor: "temperature", Condition: ConditionAbove,
			Action: Action{Type: ActionAC, Command: "ventilate"}}},
	}
	for _, c := range cases {
		if err := s.Add(c.rule); err == nil {
			t.Errorf("%s: expected validation error", c.doc)
		}
	}
}

func TestStoreReloadKeepsRulesOnBadFile(t *testing.T) {
	dir := t.TempDir()
	s := storeAt(t, dir)
	want := s.List()

	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	if err := s.Reload(); err == nil {
		t.Fatalf("expected reload of a broken file to fail")
	}
	if diff := cmp.Diff(want, s.List()); diff != "" {
		t.Errorf("rules changed after failed reload (-want, +got): %s", diff)
	}
}

func TestStoreReloadRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	s := storeAt(t, dir)

	path := filepath.Join(dir, "rules.json")
	payload := `[
		{"id":"dup","sensor":"temperature","condition":"above","threshold":30,"enabled":true,
		 "action":{"type":"notify","severity":"warning","message":"m"}},
		{"id":"dup","sensor":"humidity","condition":"below","threshold":40,"enabled":true,
		 "action":{"type":"notify","severity":"warning","message":"m"}}
	]`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	if err := s.Reload(); err == nil {
		t.Fatalf("expected reload with duplicate rule ids to fail")
	}
}

func TestStoreSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := storeAt(t, dir)
	require.NoError(t, s.Add(testRule("tmp_check")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() != "rules.json" {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}
}

func TestStoreLoadFailsOnUnreadablePath(t *testing.T) {
	dir := t.TempDir()
	// A directory at the rules path cannot be read as a file.
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.Mkdir(path, 0o755))

	_, err := NewStore(nil, nil, path)
	if err == nil {
		t.Fatalf("expected error constructing store over a directory")
	}
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		t.Errorf("expected a path error, got %v", err)
	}
}
