package notify

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"meshchat/internal/console"
)

// BellWriter rings the terminal bell by writing BEL characters.
type BellWriter struct {
	W     io.Writer
	Times int
}

func (b BellWriter) Ring() error {
	n := b.Times
	if n <= 0 {
		n = 1
	}
	_, err := io.WriteString(b.W, strings.Repeat("\a", n))
	return err
}

// Banner shows a boxed preview on the console.
type Banner struct {
	Console    *console.Console
	MaxPreview int
}

func (b Banner) Show(n Notification) error {
	preview := n.Preview
	limit := b.MaxPreview
	if limit <= 0 {
		limit = 60
	}
	if utf8.RuneCountInString(preview) > limit {
		preview = string([]rune(preview)[:limit]) + "..."
	}
	b.Console.Banner("New message from "+n.From, preview)
	return nil
}

// Player plays a sound file with an external program.
type Player struct {
	Program string
	Args    []string
	File    string
}

func (p *Player) Play() error {
	args := append(append([]string(nil), p.Args...), p.File)
	cmd := exec.Command(p.Program, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

var soundFiles = []string{"notification.wav", "notification.mp3", "notification.ogg", "message.wav", "beep.wav"}

var players = []Player{
	{Program: "paplay"},
	{Program: "aplay", Args: []string{"-q"}},
	{Program: "mpg123", Args: []string{"-q"}},
	{Program: "ffplay", Args: []string{"-nodisp", "-autoexit", "-hide_banner", "-loglevel", "quiet"}},
	{Program: "afplay"},
	{Program: "termux-media-player", Args: []string{"play"}},
}

var systemSounds = []Player{
	{Program: "paplay", File: "/usr/share/sounds/freedesktop/stereo/message-new-instant.oga"},
	{Program: "afplay", File: "/System/Library/Sounds/Ping.aiff"},
	{Program: "afplay", File: "/System/Library/Sounds/Glass.aiff"},
}

// FindSound picks a sound file from soundsDir and a player on PATH, falling
// back to a stock system sound. It returns nil when nothing can play.
func FindSound(soundsDir string) Sound {
	return findSound(soundsDir, exec.LookPath)
}

func findSound(soundsDir string, lookPath func(string) (string, error)) Sound {
	var file string
	for _, name := range soundFiles {
		path := filepath.Join(soundsDir, name)
		if _, err := os.Stat(path); err == nil {
			file = path
			break
		}
	}
	if file != "" {
		for _, p := range players {
			if prog, err := lookPath(p.Program); err == nil {
				return &Player{Program: prog, Args: p.Args, File: file}
			}
		}
	}
	for _, p := range systemSounds {
		if _, err := os.Stat(p.File); err != nil {
			continue
		}
		if prog, err := lookPath(p.Program); err == nil {
			return &Player{Program: prog, File: p.File}
		}
	}
	return nil
}
