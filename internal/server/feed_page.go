package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const feedPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Live Feed · AgentWallet</title>
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>◉</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b; --bg-subtle: #18181b; --border: #27272a;
            --text: #fafafa; --text-secondary: #a1a1aa; --text-tertiary: #52525b;
            --accent: #22c55e; --warn: #eab308; --danger: #ef4444;
        }
        body {
            font-family: 'Inter', -apple-system, sans-serif;
            background: var(--bg); color: var(--text);
            min-height: 100vh; font-size: 14px;
            -webkit-font-smoothing: antialiased;
        }
        .mono { font-family: 'JetBrains Mono', monospace; }
        .container { max-width: 800px; margin: 0 auto; padding: 0 24px; }
        header {
            border-bottom: 1px solid var(--border); padding: 16px 0;
            position: sticky; top: 0; background: var(--bg); z-index: 100;
        }
        .header-inner { display: flex; justify-content: space-between; align-items: center; }
        .logo { display: flex; align-items: center; gap: 10px; text-decoration: none; color: var(--text); }
        .logo-mark { width: 24px; height: 24px; background: var(--accent); border-radius: 6px; }
        .logo-name { font-weight: 600; }
        .status { display: flex; align-items: center; gap: 8px; color: var(--text-secondary); font-size: 13px; }
        .dot { width: 8px; height: 8px; border-radius: 50%; background: var(--text-tertiary); }
        .dot.live { background: var(--accent); }
        main { padding: 24px 0 64px; }
        .event {
            display: flex; gap: 12px; padding: 12px 16px;
            border: 1px solid var(--border); border-radius: 8px;
            background: var(--bg-subtle); margin-bottom: 8px;
            animation: slide-in 0.2s ease-out;
        }
        @keyframes slide-in { from { opacity: 0; transform: translateY(-4px); } }
        .event-type { font-size: 12px; font-weight: 500; min-width: 140px; }
        .event-type.transaction { color: var(--accent); }
        .event-type.killswitch, .event-type.termination { color: var(--danger); }
        .event-type.deadman { color: var(--warn); }
        .event-type.spawn { color: var(--text-secondary); }
        .event-body { flex: 1; color: var(--text-secondary); font-size: 13px; word-break: break-all; }
        .event-time { color: var(--text-tertiary); font-size: 12px; white-space: nowrap; }
        .empty { color: var(--text-tertiary); text-align: center; padding: 64px 0; }
    </style>
</head>
<body>
    <header>
        <div class="container header-inner">
            <a class="logo" href="/dashboard">
                <div class="logo-mark"></div>
                <span class="logo-name">AgentWallet</span>
            </a>
            <div class="status"><div class="dot" id="dot"></div><span id="status">connecting</span></div>
        </div>
    </header>
    <main>
        <div class="container">
            <div id="feed"><div class="empty" id="empty">Waiting for governance events…</div></div>
        </div>
    </main>
    <script>
        const feed = document.getElementById('feed');
        const empty = document.getElementById('empty');
        const dot = document.getElementById('dot');
        const status = document.getElementById('status');
        const MAX_EVENTS = 200;

        function describe(type, data) {
            switch (type) {
                case 'transaction':
                    return (data.walletId || '') + ' · ' + (data.amount || '') +
                        ' · ' + (data.status || '') + (data.reason ? ' · ' + data.reason : '');
                case 'killswitch':
                    return (data.walletId || data.ownerId || '') + ' · ' + (data.state || 'tripped');
                case 'deadman':
                    return (data.agentId || '') + ' · ' + (data.trigger || '') + ' → ' + (data.action || '');
                case 'spawn':
                    return (data.parentId || '') + ' spawned ' + (data.childId || '') + ' (depth ' + data.depth + ')';
                case 'termination':
                    return (data.agentId || '') + ' terminated · ' + (data.reason || '');
                default:
                    return JSON.stringify(data);
            }
        }

        function render(msg) {
            empty.style.display = 'none';
            const el = document.createElement('div');
            el.className = 'event';
            const type = msg.type || 'event';
            el.innerHTML =
                '<span class="event-type ' + type + '">' + type + '</span>' +
                '<span class="event-body mono"></span>' +
                '<span class="event-time">' + new Date().toLocaleTimeString() + '</span>';
            el.querySelector('.event-body').textContent = describe(type, msg.data || {});
            feed.prepend(el);
            while (feed.children.length > MAX_EVENTS) feed.removeChild(feed.lastChild);
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss' : 'ws';
            const ws = new WebSocket(proto + '://' + location.host + '/ws');
            ws.onopen = () => { dot.classList.add('live'); status.textContent = 'live'; };
            ws.onmessage = (e) => { try { render(JSON.parse(e.data)); } catch (_) {} };
            ws.onclose = () => {
                dot.classList.remove('live');
                status.textContent = 'reconnecting';
                setTimeout(connect, 2000);
            };
        }
        connect();
    </script>
</body>
</html>`

// feedPageHandler serves the live governance event feed, backed by /ws.
func (s *Server) feedPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, feedPageHTML)
}
