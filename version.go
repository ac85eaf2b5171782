// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const root = "github.com/LynnColeArt/convbench"

// BuildInfo identifies the convbench build that produced a result.
type BuildInfo struct {
	Version   string // module version, "(devel)" for local builds
	Sum       string
	GoVersion string
	Revision  string // VCS revision, if stamped
	Modified  bool   // working tree had uncommitted changes
}

// String formats the build for banners and the version command.
func (b BuildInfo) String() string {
	var sb strings.Builder
	sb.WriteString(b.Version)
	if b.Revision != "" {
		rev := b.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		fmt.Fprintf(&sb, " (%s", rev)
		if b.Modified {
			sb.WriteString(", modified")
		}
		sb.WriteString(")")
	}
	if b.GoVersion != "" {
		sb.WriteString(" " + b.GoVersion)
	}
	return sb.String()
}

// ReadBuildInfo reports the convbench module found in the running binary.
// It works whether convbench is the main module or a dependency, and
// returns false for binaries built without module support.
func ReadBuildInfo() (BuildInfo, bool) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return BuildInfo{}, false
	}
	info := BuildInfo{GoVersion: b.GoVersion}
	for _, s := range b.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}

	if b.Main.Path == root {
		info.Version, info.Sum = b.Main.Version, b.Main.Sum
		return info, true
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		info.Version, info.Sum = m.Version, m.Sum
		if r := m.Replace; r != nil {
			target := r.Path
			if r.Version != "" {
				target = strings.TrimSpace(r.Path + " " + r.Version)
			}
			info.Version = fmt.Sprintf("%s=>%s", m.Version, target)
			info.Sum = r.Sum
		}
		return info, true
	}
	return info, false
}
