package relay

import (
	"strings"
	"text/template"
)

// The installer is generated at request time with the originating server
// URL baked in. It selects a python interpreter, best-effort installs the
// websocket dependency, drops the agent into ~/.local/bin, and optionally
// starts it right away (`sh -s run`).
const installerScript = `#!/bin/sh
# HyprShare agent installer
# Usage:
#   curl -sSf {{.ServerURL}}/get | sh           # download & install
#   curl -sSf {{.ServerURL}}/get | sh -s run    # download & run immediately
set -e

SERVER_URL="{{.ServerURL}}"
INSTALL_DIR="$HOME/.local/bin"
BINARY="$INSTALL_DIR/hyprshare"

# detect python
PYTHON=""
for cmd in python3 python; do
  if command -v "$cmd" >/dev/null 2>&1; then
    PYTHON="$cmd"
    break
  fi
done
[ -z "$PYTHON" ] && { echo "[hyprshare] ERROR: python3 not found" >&2; exit 1; }

# install websockets (silent, best-effort)
$PYTHON -m pip install --quiet websockets 2>/dev/null || true

# download agent
mkdir -p "$INSTALL_DIR"
echo "[hyprshare] Downloading agent ..."
if   command -v curl >/dev/null 2>&1; then curl -sSf "$SERVER_URL/agent.py" -o "$BINARY"
elif command -v wget >/dev/null 2>&1; then wget  -q   "$SERVER_URL/agent.py" -O "$BINARY"
else { echo "[hyprshare] ERROR: curl or wget required" >&2; exit 1; }
fi
chmod +x "$BINARY"
echo "[hyprshare] Installed -> $BINARY"

# run immediately when invoked as: sh -s run
if [ "$1" = "run" ]; then
  exec $PYTHON "$BINARY" --server "$SERVER_URL"
fi

echo ""
echo "  Start a session:"
echo "    $PYTHON $BINARY --server $SERVER_URL"
echo ""
`

var installerTmpl = template.Must(template.New("installer").Parse(installerScript))

// RenderInstaller bakes the server URL into the installer script.
func RenderInstaller(serverURL string) (string, error) {
	var buf strings.Builder
	err := installerTmpl.Execute(&buf, struct{ ServerURL string }{strings.TrimRight(serverURL, "/")})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
