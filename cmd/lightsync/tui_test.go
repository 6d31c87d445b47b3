package main

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func runeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestTUI_KeysPostControls(t *testing.T) {
	var posted []Event
	m := newTUIModel(Snapshot{}, nil, func(e Event) bool {
		posted = append(posted, e)
		return true
	})

	for _, k := range []string{"1", "2", "3", "4", "b", "x"} {
		next, cmd := m.Update(runeKey(k))
		if cmd != nil {
			t.Fatalf("key %q: unexpected command", k)
		}
		m = next.(tuiModel)
	}

	want := []Event{
		ChangeSection{Section: SectionLeft},
		ChangeSection{Section: SectionCenter},
		ChangeSection{Section: SectionRight},
		ChangeSection{Section: SectionAll},
		ToggleBeatSync{},
	}
	if len(posted) != len(want) {
		t.Fatalf("expected %d posts, got %#v", len(want), posted)
	}
	for i := range want {
		if posted[i] != want[i] {
			t.Fatalf("post %d: expected %#v, got %#v", i, want[i], posted[i])
		}
	}
}

func TestTUI_QuitKeys(t *testing.T) {
	m := newTUIModel(Snapshot{}, nil, func(Event) bool { return true })
	for _, k := range []tea.KeyMsg{runeKey("q"), {Type: tea.KeyCtrlC}, {Type: tea.KeyEsc}} {
		_, cmd := m.Update(k)
		if cmd == nil {
			t.Fatalf("key %q: expected quit", k.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("key %q: expected tea.QuitMsg", k.String())
		}
	}
}

func TestTUI_SnapshotsDriveView(t *testing.T) {
	snaps := make(chan Snapshot, 1)
	m := newTUIModel(Snapshot{Color: Black}, snaps, func(Event) bool { return true })

	next, _ := m.Update(tea.WindowSizeMsg{Width: 20, Height: 5})
	m = next.(tuiModel)
	if m.width != 20 || m.height != 5 {
		t.Fatalf("expected 20x5, got %dx%d", m.width, m.height)
	}

	snaps <- Snapshot{Color: RGB{R: 255, G: 136}, Section: SectionRight, IsActive: true}
	msg := m.Init()()
	next, cmd := m.Update(msg)
	m = next.(tuiModel)
	if cmd == nil {
		t.Fatalf("expected to keep waiting for snapshots")
	}
	if !strings.Contains(m.View(), "#ff8800") || !strings.Contains(m.View(), "section:right") {
		t.Fatalf("view does not show the new snapshot:\n%s", m.View())
	}
	if lines := strings.Count(m.View(), "\n"); lines != 4 {
		t.Fatalf("expected block of 4 rows plus status line, got %d newlines", lines)
	}

	close(snaps)
	_, cmd = m.Update(cmd())
	if cmd == nil {
		t.Fatalf("expected quit once snapshots close")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestStatusLine(t *testing.T) {
	cases := []struct {
		snap Snapshot
		want []string
		not  []string
	}{
		{
			snap: Snapshot{Color: White, Section: SectionAll, ConnState: ConnLivePush, IsActive: true},
			want: []string{"#ffffff", "section:all", "link:live-push", "beat:off"},
			not:  []string{"idle", "♪"},
		},
		{
			snap: Snapshot{BeatSync: true, BeatMode: true},
			want: []string{"beat:on", "♪", "idle"},
		},
		{
			snap: Snapshot{BeatSync: true, BeatSyncUnavailable: true, IsActive: true},
			want: []string{"beat:unavailable"},
			not:  []string{"beat:on"},
		},
	}
	for i, tc := range cases {
		got := statusLine(tc.snap)
		for _, w := range tc.want {
			if !strings.Contains(got, w) {
				t.Fatalf("case %d: expected %q in %q", i, w, got)
			}
		}
		for _, n := range tc.not {
			if strings.Contains(got, n) {
				t.Fatalf("case %d: unexpected %q in %q", i, n, got)
			}
		}
	}
}

func TestRenderTUI_ClampsSize(t *testing.T) {
	out := renderTUI(Snapshot{Color: RGB{B: 255}}, 0, 0)
	if !strings.Contains(out, "#0000ff") {
		t.Fatalf("expected status line in %q", out)
	}
	if n := strings.Count(out, "\n"); n != 1 {
		t.Fatalf("expected a single block row, got %d newlines", n)
	}
}
