package web

const faviconTag = `<link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>📻</text></svg>">`

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>radiotap</title>
` + faviconTag + `
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; background: #1a1a2e; color: #eee; min-height: 100vh; padding: 20px; }
  h1 { font-size: 24px; color: #e94560; margin-bottom: 24px; }
  h2 { font-size: 18px; color: #e94560; margin-bottom: 12px; }
  .card { background: #16213e; border-radius: 12px; padding: 20px; margin-bottom: 20px; max-width: 720px; }
  .row { display: flex; gap: 8px; margin-bottom: 12px; }
  input { flex: 1; padding: 10px; border: 1px solid #333; border-radius: 8px; background: #0f3460; color: #eee; font-size: 14px; outline: none; }
  input:focus { border-color: #e94560; }
  .btn { padding: 10px 16px; border: none; border-radius: 8px; font-size: 14px; cursor: pointer; font-weight: bold; }
  .btn-start { background: #4ecca3; color: #000; }
  .btn-stop { background: #e94560; color: #fff; }
  .badge { padding: 3px 10px; border-radius: 12px; font-size: 12px; font-weight: bold; background: #444; }
  .badge-active { background: #4ecca3; color: #000; }
  .badge-failed { background: #e94560; }
  .muted { font-size: 13px; color: #aaa; word-break: break-all; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  td, th { text-align: left; padding: 6px 4px; border-bottom: 1px solid #233; }
  audio { width: 100%; margin-top: 12px; }
</style>
</head>
<body>
<h1>📻 radiotap</h1>
<div class="card">
  <h2>Session</h2>
  <div class="row">
    <input id="url" placeholder="http://radio.example/live.mp3">
    <button class="btn btn-start" onclick="start()">Start</button>
    <button class="btn btn-stop" onclick="stop()">Stop</button>
  </div>
  <div id="status" class="muted">idle</div>
  <audio id="player" controls preload="none" src="/stream"></audio>
</div>
<div class="card">
  <h2>Matches</h2>
  <table><thead><tr><th>Heard</th><th>ID</th><th>Name</th><th>Type</th><th>%</th></tr></thead>
  <tbody id="matches"></tbody></table>
</div>
<script>
function esc(s) { var d = document.createElement('div'); d.textContent = s == null ? '' : String(s); return d.innerHTML; }

async function refresh() {
  var res = await fetch('/api/session');
  var el = document.getElementById('status');
  if (res.ok) {
    var s = await res.json();
    el.innerHTML = '<span class="badge badge-' + esc(s.state) + '">' + esc(s.state) + '</span> ' +
      esc(s.url) + ' &middot; ' + s.buffered_bytes + ' bytes buffered' + (s.error ? ' &middot; ' + esc(s.error) : '');
  } else {
    el.innerHTML = '<span class="badge">idle</span>';
  }
  var m = await fetch('/api/matches?limit=20');
  if (m.ok) {
    var rows = await m.json();
    document.getElementById('matches').innerHTML = rows.map(function(d) {
      return '<tr><td>' + esc(new Date(d.heard_at).toLocaleTimeString()) + '</td><td>' + d.match.id +
        '</td><td>' + esc(d.match.name) + '</td><td>' + esc(d.match.type) + '</td><td>' + d.match.match_percentage + '</td></tr>';
    }).join('');
  }
}

async function start() {
  var url = document.getElementById('url').value.trim();
  var res = await fetch('/api/session', { method: 'POST', headers: { 'Content-Type': 'application/json' }, body: JSON.stringify({ url: url }) });
  if (!res.ok) { alert((await res.json()).error); }
  refresh();
}

async function stop() {
  await fetch('/api/session', { method: 'DELETE' });
  document.getElementById('player').pause();
  refresh();
}

refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>`
