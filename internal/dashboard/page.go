package dashboard

import "net/http"

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>duet</title>
<style>
  :root {
    --bg: #0d1117;
    --surface: #161b22;
    --border: #30363d;
    --text: #e6edf3;
    --text-dim: #8b949e;
    --accent: #58a6ff;
    --green: #3fb950;
    --yellow: #d29922;
    --red: #f85149;
    --purple: #bc8cff;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Helvetica, Arial, sans-serif;
    background: var(--bg);
    color: var(--text);
    font-size: 14px;
    line-height: 1.5;
    padding: 16px;
  }
  header {
    display: flex;
    align-items: center;
    justify-content: space-between;
    margin-bottom: 16px;
    padding-bottom: 12px;
    border-bottom: 1px solid var(--border);
  }
  header h1 { font-size: 20px; font-weight: 600; }
  header h1 span { color: var(--accent); }
  .meta { font-size: 12px; color: var(--text-dim); }
  .meta .live { color: var(--green); }
  .settings { display: flex; gap: 12px; align-items: center; font-size: 12px; color: var(--text-dim); }
  select, input, textarea, button { font: inherit; color: var(--text); background: var(--bg); border: 1px solid var(--border); border-radius: 6px; padding: 4px 8px; }
  button { cursor: pointer; background: var(--surface); }
  button:hover { border-color: var(--accent); }

  .grid { display: grid; grid-template-columns: 360px 1fr; gap: 16px; }
  @media (max-width: 900px) { .grid { grid-template-columns: 1fr; } }
  .card { background: var(--surface); border: 1px solid var(--border); border-radius: 8px; overflow: hidden; }
  .card-header {
    padding: 10px 14px;
    border-bottom: 1px solid var(--border);
    font-weight: 600;
    font-size: 13px;
    text-transform: uppercase;
    letter-spacing: 0.5px;
    color: var(--text-dim);
    display: flex;
    align-items: center;
    gap: 6px;
  }
  .card-header .count { font-size: 11px; background: var(--border); padding: 1px 6px; border-radius: 10px; margin-left: auto; }

  .session { padding: 10px 14px; border-bottom: 1px solid var(--border); cursor: pointer; }
  .session:hover, .session.selected { background: #1c2129; }
  .session .topic { font-weight: 600; }
  .session .sub { font-size: 12px; color: var(--text-dim); }
  .badge { font-size: 11px; padding: 0 6px; border-radius: 10px; border: 1px solid var(--border); }
  .badge.active { color: var(--green); border-color: var(--green); }
  .badge.paused { color: var(--yellow); border-color: var(--yellow); }
  .badge.completed { color: var(--text-dim); }

  .msg { padding: 10px 14px; border-bottom: 1px solid var(--border); }
  .msg .who { font-weight: 600; font-size: 13px; }
  .msg .who.agent_a { color: var(--accent); }
  .msg .who.agent_b { color: var(--purple); }
  .msg .who.human { color: var(--green); }
  .msg .sig { font-size: 11px; color: var(--text-dim); margin-left: 8px; }
  .msg pre { white-space: pre-wrap; font-family: inherit; margin-top: 4px; }
  .plan { padding: 10px 14px; border-bottom: 1px solid var(--border); font-size: 13px; }
  .plan .node { color: var(--yellow); font-weight: 600; }
  .compose { display: flex; gap: 8px; padding: 10px 14px; }
  .compose textarea { flex: 1; min-height: 48px; }
  .empty { padding: 14px; color: var(--text-dim); }
</style>
</head>
<body>
<header>
  <h1><span>duet</span> moderator</h1>
  <div class="settings">
    <label>Status:
      <select id="status" onchange="fetchSessions()">
        <option value="">all</option>
        <option value="active">active</option>
        <option value="paused">paused</option>
        <option value="completed">completed</option>
      </select>
    </label>
    <label>Refresh:
      <select id="interval" onchange="setInterval_()">
        <option value="2000">2s</option>
        <option value="5000" selected>5s</option>
        <option value="10000">10s</option>
        <option value="0">Off</option>
      </select>
    </label>
    <span class="meta">Updated: <span id="updated" class="live">-</span></span>
  </div>
</header>

<div class="grid">
  <div class="card">
    <div class="card-header">Sessions <span class="count" id="sessions-count">0</span></div>
    <div id="sessions"></div>
  </div>
  <div class="card">
    <div class="card-header" id="detail-header">Transcript</div>
    <div id="planning"></div>
    <div id="messages"><div class="empty">Select a session.</div></div>
    <div class="compose" id="compose" style="display:none">
      <textarea id="content" placeholder="Message as human (mention Agent A or Agent B to address one)"></textarea>
      <select id="signal">
        <option value="continue">continue</option>
        <option value="handover">handover</option>
        <option value="stop">stop</option>
      </select>
      <button onclick="send()">Send</button>
      <button onclick="advance()">Advance</button>
    </div>
  </div>
</div>

<script>
let timer = null;
let refreshMs = 5000;
let selected = null;

function setInterval_() {
  refreshMs = parseInt(document.getElementById('interval').value);
  if (timer) clearInterval(timer);
  if (refreshMs > 0) timer = setInterval(refresh, refreshMs);
}

function esc(s) {
  const d = document.createElement('div');
  d.textContent = s == null ? '' : s;
  return d.innerHTML;
}

async function fetchSessions() {
  const status = document.getElementById('status').value;
  const resp = await fetch('/api/sessions' + (status ? '?status=' + status : ''));
  const sessions = await resp.json();
  document.getElementById('sessions-count').textContent = sessions.length;
  const el = document.getElementById('sessions');
  if (!sessions.length) { el.innerHTML = '<div class="empty">No sessions.</div>'; return; }
  el.innerHTML = sessions.map(s =>
    '<div class="session' + (s.id === selected ? ' selected' : '') + '" onclick="select_(\'' + s.id + '\')">' +
    '<div class="topic">' + esc(s.topic) + '</div>' +
    '<div class="sub"><span class="badge ' + s.status + '">' + s.status + '</span> ' +
    esc(s.mode) + ' &middot; ' + s.message_count + ' msgs &middot; ' + esc(s.age) + '</div></div>').join('');
}

async function fetchDetail() {
  if (!selected) return;
  const resp = await fetch('/api/sessions/' + selected + '?limit=200');
  if (!resp.ok) return;
  const d = await resp.json();
  document.getElementById('detail-header').textContent = d.topic + ' (' + d.mode + ', ' + d.status + ')';
  document.getElementById('compose').style.display = d.status === 'completed' ? 'none' : 'flex';
  const p = d.planning;
  document.getElementById('planning').innerHTML = p ?
    '<div class="plan">Node: <span class="node">' + esc(p.current_node) + '</span>' +
    (p.awaiting_human ? ' &middot; awaiting human' : '') +
    (p.validation_issues && p.validation_issues.length ? '<div>Issues: ' + p.validation_issues.map(esc).join('; ') + '</div>' : '') +
    '</div>' : '';
  document.getElementById('messages').innerHTML = d.messages.map(m =>
    '<div class="msg"><span class="who ' + m.role + '">' + esc(m.speaker) + '</span>' +
    '<span class="sig">' + m.signal + ' &middot; ' + esc(m.age) + '</span>' +
    '<pre>' + esc(m.content) + '</pre></div>').join('') || '<div class="empty">No messages.</div>';
}

function select_(id) { selected = id; refresh(); }

async function send() {
  const content = document.getElementById('content').value.trim();
  if (!content || !selected) return;
  const signal = document.getElementById('signal').value;
  const resp = await fetch('/api/sessions/' + selected + '/messages', {
    method: 'POST',
    headers: { 'Content-Type': 'application/json' },
    body: JSON.stringify({ content, signal }),
  });
  if (!resp.ok) { alert((await resp.json()).error); return; }
  document.getElementById('content').value = '';
  refresh();
}

async function advance() {
  if (!selected) return;
  await fetch('/api/sessions/' + selected + '/advance', { method: 'POST' });
  refresh();
}

async function refresh() {
  try {
    await fetchSessions();
    await fetchDetail();
    document.getElementById('updated').textContent = new Date().toLocaleTimeString();
  } catch (e) {
    document.getElementById('updated').textContent = 'error';
  }
}

refresh();
timer = setInterval(refresh, refreshMs);
</script>
</body>
</html>
`
