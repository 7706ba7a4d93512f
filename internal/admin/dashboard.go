package admin

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// dashboardHTML is the single-page admin dashboard. It polls the stats
// endpoint; everything else goes through the JSON API.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Access Point</title>
<style>
body { font-family: -apple-system, sans-serif; margin: 2rem; color: #222; }
h1 { font-size: 1.4rem; }
table { border-collapse: collapse; margin-top: 1rem; }
td, th { border: 1px solid #ddd; padding: .4rem .8rem; text-align: left; }
th { background: #f5f5f5; }
#total { margin-top: 1rem; color: #666; }
</style>
</head>
<body>
<h1>Access Point</h1>
<table>
<thead><tr><th>Resource</th><th>Count</th></tr></thead>
<tbody id="stats"></tbody>
</table>
<p id="total"></p>
<script>
const order = ["mcp_services","ssls","global_rules","routes","upstreams","services"];
async function refresh() {
  const res = await fetch("/admin/resources", {headers: apiKeyHeaders()});
  if (!res.ok) return;
  const data = await res.json();
  const tbody = document.getElementById("stats");
  tbody.innerHTML = "";
  for (const key of order) {
    const row = document.createElement("tr");
    row.innerHTML = "<td>" + key + "</td><td>" + (data.stats[key]?.count ?? 0) + "</td>";
    tbody.appendChild(row);
  }
  document.getElementById("total").textContent = "total resources: " + data.total_resources;
}
function apiKeyHeaders() {
  const key = new URLSearchParams(location.search).get("api_key");
  return key ? {"x-api-key": key} : {};
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`

func (h *Handler) dashboard(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}
