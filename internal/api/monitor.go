package api

import "net/http"

// Monitor serves a small self-contained dashboard that polls the open
// monitoring endpoints. It carries no secrets.
func (h *Handler) Monitor(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(monitorPage))
}

const monitorPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>hlsgate monitor</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
h1 { font-size: 1.2em; }
table { border-collapse: collapse; margin-bottom: 2em; width: 100%; }
th, td { border: 1px solid #444; padding: 4px 8px; text-align: left; }
th { background: #222; }
.err { color: #f66; }
</style>
</head>
<body>
<h1>hlsgate monitor</h1>
<div id="status"></div>
<h2>Active transfers</h2>
<table id="transfers"><thead><tr>
<th>ID</th><th>Path</th><th>UID</th><th>IP</th><th>Bytes</th><th>Speed (B/s)</th><th>Status</th>
</tr></thead><tbody></tbody></table>
<h2>Traffic</h2>
<pre id="traffic"></pre>
<script>
async function refresh() {
  try {
    const [stats, transfers] = await Promise.all([
      fetch("/stats").then(r => r.json()),
      fetch("/active-transfers").then(r => r.json()),
    ]);
    document.getElementById("status").textContent =
      "uptime " + stats.uptime_seconds + "s, " +
      stats.active_transfers + " active, " +
      Math.round(stats.total_speed_bps) + " B/s total";
    const body = document.querySelector("#transfers tbody");
    body.innerHTML = "";
    for (const t of transfers.transfers) {
      const row = body.insertRow();
      for (const v of [t.transfer_id.slice(0, 8), t.file_path, t.uid || "-",
                       t.client_ip, t.bytes_transferred, Math.round(t.speed_bps), t.status]) {
        row.insertCell().textContent = v;
      }
    }
    document.getElementById("traffic").textContent = JSON.stringify(stats.traffic, null, 2);
  } catch (e) {
    document.getElementById("status").innerHTML = '<span class="err">' + e + "</span>";
  }
}
refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>
`
