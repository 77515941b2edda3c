package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/apperr"
	"github.com/audiolibrelab/voicecheck/internal/clock"
	"github.com/audiolibrelab/voicecheck/internal/config"
	"github.com/audiolibrelab/voicecheck/internal/history"
)

func TestService_Workspaces(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, flow := range []config.Flow{config.FlowEnroll, config.FlowCompare} {
		w, err := svc.Workspace(flow)
		if err != nil {
			t.Fatalf("Workspace(%s) error: %v", flow, err)
		}
		if w.Flow() != flow {
			t.Errorf("Expected %s workspace, got %s", flow, w.Flow())
		}
	}
	if _, err := svc.Workspace("train"); err == nil {
		t.Error("Expected error for unknown flow")
	}
	if svc.Enroll() == svc.Compare() {
		t.Error("Expected separate workspaces per flow")
	}
}

func TestService_FlowMinimums(t *testing.T) {
	svc, _, clk := newTestService(t)

	// A 1s clip is too short to enroll but fine to compare
	svc.Enroll().StartRecording(context.Background())
	svc.Compare().StartRecording(context.Background())
	clk.Advance(time.Second)

	if _, err := svc.Enroll().StopRecording(); !errors.Is(err, apperr.ErrRecordingTooShort) {
		t.Errorf("Expected enroll recording to be too short, got %v", err)
	}
	if _, err := svc.Compare().StopRecording(); err != nil {
		t.Errorf("Expected compare recording to be kept, got %v", err)
	}
}

func TestService_SaveRecording(t *testing.T) {
	svc, _, clk := newTestService(t)

	if _, err := svc.SaveRecording(config.FlowCompare); err == nil {
		t.Error("Expected error without a recording")
	}
	if svc.GetLastError() == "" {
		t.Error("Expected the failure to be tracked")
	}

	record(t, svc.Compare(), clk, 2*time.Second)
	saved, err := svc.SaveRecording(config.FlowCompare)
	if err != nil {
		t.Fatalf("SaveRecording() error: %v", err)
	}
	if filepath.Dir(saved.Path) != svc.Config().Output.Directory {
		t.Errorf("Expected file in output directory, got %s", saved.Path)
	}
	if !strings.HasPrefix(filepath.Base(saved.Path), "compare-") || filepath.Ext(saved.Path) != ".webm" {
		t.Errorf("Unexpected file name %s", saved.Path)
	}
	data, err := os.ReadFile(saved.Path)
	if err != nil || string(data) != "webm-payload" {
		t.Errorf("Unexpected saved content %q (%v)", data, err)
	}
	if saved.SizeHuman != "12 B" {
		t.Errorf("Expected 12 B, got %s", saved.SizeHuman)
	}
	if svc.GetLastError() != "" {
		t.Errorf("Expected last error cleared, got %q", svc.GetLastError())
	}
}

func TestService_CompareRecordsHistory(t *testing.T) {
	store, err := history.Open(history.Options{InMemory: true})
	if err != nil {
		t.Fatalf("history.Open() error: %v", err)
	}
	defer store.Close()

	clk := clock.NewManual(time.Unix(0, 0))
	remote := &fakeRemote{similarity: 0.2}
	svc := New(config.Default(), Deps{
		Capture: fakeCapture{},
		Player:  fakePlayer{},
		Clock:   clk,
		Remote:  remote,
		History: store,
	})
	defer svc.Close()

	w := svc.Compare()
	w.SelectReference(context.Background(), "3")
	record(t, w, clk, time.Second)

	res, err := w.Compare(context.Background())
	if err != nil {
		t.Fatalf("Compare() error: %v", err)
	}
	if !res.Match {
		t.Errorf("Expected 80%% to match, got %+v", res)
	}

	latest, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if latest.ID != res.ID || latest.ReferenceID != "3" {
		t.Errorf("Expected stored result %s, got %+v", res.ID, latest)
	}
}

func TestService_TrackErrors(t *testing.T) {
	svc, _, _ := newTestService(t)

	svc.Track("Compare", errors.New("boom"))
	if got := svc.GetLastError(); got != "Compare: boom" {
		t.Errorf("Unexpected last error %q", got)
	}
	svc.Track("Compare", nil)
	if got := svc.GetLastError(); got != "" {
		t.Errorf("Expected cleared last error, got %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KB",
		1536:            "1.5 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, expected %q", in, got, want)
		}
	}
}
