package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>PaySentinel</title>
    <meta name="description" content="Payment control plane for autonomous agents">
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>◉</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --text-tertiary: #52525b;
            --accent: #22c55e;
            --accent-dim: rgba(34, 197, 94, 0.1);
            --red: #ef4444;
            --amber: #f59e0b;
            --blue: #3b82f6;
        }

        body {
            font-family: 'Inter', -apple-system, sans-serif;
            background: var(--bg);
            color: var(--text);
            min-height: 100vh;
            font-size: 14px;
            line-height: 1.5;
            -webkit-font-smoothing: antialiased;
        }

        .mono { font-family: 'JetBrains Mono', monospace; }

        .container { max-width: 1100px; margin: 0 auto; padding: 0 24px 48px; }

        header {
            display: flex;
            align-items: baseline;
            justify-content: space-between;
            padding: 28px 0 20px;
            border-bottom: 1px solid var(--border);
            margin-bottom: 24px;
        }
        header h1 { font-size: 18px; font-weight: 600; }
        header h1 span { color: var(--accent); }
        .env {
            font-size: 12px;
            color: var(--text-secondary);
        }
        .env .mono { color: var(--text); }

        .cards {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(180px, 1fr));
            gap: 12px;
            margin-bottom: 24px;
        }
        .card {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 16px;
        }
        .card .label {
            font-size: 11px;
            text-transform: uppercase;
            letter-spacing: 0.06em;
            color: var(--text-tertiary);
            margin-bottom: 6px;
        }
        .card .value { font-size: 24px; font-weight: 600; }
        .card .sub { font-size: 12px; color: var(--text-secondary); margin-top: 2px; }

        h2 {
            font-size: 13px;
            font-weight: 500;
            text-transform: uppercase;
            letter-spacing: 0.06em;
            color: var(--text-secondary);
            margin: 24px 0 12px;
        }

        .breakers { display: flex; flex-wrap: wrap; gap: 8px; }
        .breaker {
            display: inline-flex;
            align-items: center;
            gap: 6px;
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 6px;
            padding: 6px 10px;
            font-size: 12px;
        }
        .dot { width: 7px; height: 7px; border-radius: 50%; }
        .dot.closed { background: var(--accent); }
        .dot.open { background: var(--red); }
        .dot.half_open { background: var(--amber); }

        .feed {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            max-height: 280px;
            overflow-y: auto;
        }
        .feed-item {
            display: flex;
            gap: 10px;
            align-items: baseline;
            padding: 9px 14px;
            border-bottom: 1px solid var(--border);
            font-size: 13px;
        }
        .feed-item:last-child { border-bottom: none; }
        .badge {
            font-size: 10px;
            text-transform: uppercase;
            letter-spacing: 0.05em;
            padding: 1px 6px;
            border-radius: 4px;
            background: var(--accent-dim);
            color: var(--accent);
            flex-shrink: 0;
        }
        .badge.alert { background: rgba(239, 68, 68, 0.12); color: var(--red); }
        .badge.dispute { background: rgba(245, 158, 11, 0.12); color: var(--amber); }
        .badge.breaker { background: rgba(59, 130, 246, 0.12); color: var(--blue); }
        .feed-item .msg { color: var(--text); flex: 1; }
        .feed-item .time { color: var(--text-tertiary); font-size: 11px; flex-shrink: 0; }
        .empty { padding: 18px 14px; color: var(--text-tertiary); font-size: 13px; }

        table { width: 100%; border-collapse: collapse; }
        .payments {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            overflow: hidden;
        }
        th {
            text-align: left;
            font-size: 11px;
            font-weight: 500;
            text-transform: uppercase;
            letter-spacing: 0.05em;
            color: var(--text-tertiary);
            padding: 10px 14px;
            border-bottom: 1px solid var(--border);
        }
        td {
            padding: 9px 14px;
            font-size: 13px;
            border-bottom: 1px solid var(--border);
            color: var(--text-secondary);
        }
        tr:last-child td { border-bottom: none; }
        td.amount { color: var(--text); text-align: right; }
        th.amount { text-align: right; }
        .status { font-size: 12px; }
        .status.completed { color: var(--accent); }
        .status.failed, .status.denied { color: var(--red); }
        .status.pending { color: var(--amber); }
        .status.disputed, .status.refunded { color: var(--blue); }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <h1><span>◉</span> PaySentinel</h1>
            <div class="env">facilitator <span class="mono" id="mode">—</span> · network <span class="mono" id="network">—</span></div>
        </header>

        <div class="cards">
            <div class="card">
                <div class="label">Payments</div>
                <div class="value" id="payments">—</div>
                <div class="sub" id="payments-sub"></div>
            </div>
            <div class="card">
                <div class="label">Spend</div>
                <div class="value" id="spend">—</div>
                <div class="sub" id="spend-sub"></div>
            </div>
            <div class="card">
                <div class="label">Alerts</div>
                <div class="value" id="alerts">—</div>
                <div class="sub">recently fired</div>
            </div>
            <div class="card">
                <div class="label">Disputes</div>
                <div class="value" id="disputes">—</div>
                <div class="sub" id="disputes-sub"></div>
            </div>
        </div>

        <h2>Circuit breakers</h2>
        <div class="breakers" id="breakers"><span class="empty">No breakers tracked</span></div>

        <h2>Live events</h2>
        <div class="feed" id="feed"><div class="empty" id="feed-empty">Waiting for events…</div></div>

        <h2>Recent payments</h2>
        <div class="payments">
            <table>
                <thead>
                    <tr><th>ID</th><th>Agent</th><th>Recipient</th><th class="amount">Amount</th><th>Status</th></tr>
                </thead>
                <tbody id="tx-body">
                    <tr><td colspan="5" class="empty">No payments recorded</td></tr>
                </tbody>
            </table>
        </div>
    </div>

    <script>
        const esc = s => String(s ?? '').replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
        const fmtAmt = v => Number(v).toLocaleString('en-US', { maximumFractionDigits: 6 });
        const fmtTime = t => new Date(t).toLocaleTimeString('en-US', { hour12: false });

        async function getJSON(url) {
            const res = await fetch(url);
            if (!res.ok) throw new Error(url + ': ' + res.status);
            return res.json();
        }

        async function loadInfo() {
            try {
                const info = await getJSON('/api');
                document.getElementById('mode').textContent = info.facilitator || '—';
                document.getElementById('network').textContent = info.network || '—';
            } catch (err) { console.error(err); }
        }

        async function loadData() {
            try {
                const [summary, alerts, stats, breakers, txs] = await Promise.all([
                    getJSON('/v1/analytics/summary'),
                    getJSON('/v1/alerts?limit=50'),
                    getJSON('/v1/disputes/stats'),
                    getJSON('/v1/breakers'),
                    getJSON('/v1/transactions?limit=15'),
                ]);

                document.getElementById('payments').textContent = summary.transactions ?? 0;
                const byStatus = summary.countByStatus || {};
                document.getElementById('payments-sub').textContent =
                    'completed ' + (byStatus.completed || 0) + ' · failed ' + (byStatus.failed || 0);

                const spend = Object.entries(summary.spendByCurrency || {});
                if (spend.length > 0) {
                    const [cur, amt] = spend[0];
                    document.getElementById('spend').textContent = fmtAmt(amt) + ' ' + cur;
                    document.getElementById('spend-sub').textContent =
                        spend.slice(1).map(([c, a]) => fmtAmt(a) + ' ' + c).join(' · ');
                } else {
                    document.getElementById('spend').textContent = '0';
                    document.getElementById('spend-sub').textContent = '';
                }

                document.getElementById('alerts').textContent = alerts.count ?? 0;

                const st = stats.stats || {};
                document.getElementById('disputes').textContent = st.open ?? 0;
                document.getElementById('disputes-sub').textContent = 'open of ' + (st.total || 0) + ' total';

                renderBreakers(breakers.breakers || {});
                renderPayments(txs.transactions || []);
            } catch (err) {
                console.error('Load error:', err);
            }
        }

        function renderBreakers(snap) {
            const el = document.getElementById('breakers');
            const keys = Object.keys(snap).sort();
            if (keys.length === 0) {
                el.innerHTML = '<span class="empty">No breakers tracked</span>';
                return;
            }
            el.innerHTML = keys.map(k => {
                const b = snap[k];
                return '<span class="breaker"><span class="dot ' + esc(b.state) + '"></span>' +
                    '<span class="mono">' + esc(k) + '</span> ' + esc(b.state) +
                    (b.failures ? ' (' + b.failures + ')' : '') + '</span>';
            }).join('');
        }

        function renderPayments(txs) {
            const body = document.getElementById('tx-body');
            if (txs.length === 0) {
                body.innerHTML = '<tr><td colspan="5" class="empty">No payments recorded</td></tr>';
                return;
            }
            body.innerHTML = txs.map(tx =>
                '<tr><td class="mono">' + esc(tx.id) + '</td>' +
                '<td>' + esc(tx.agentId) + '</td>' +
                '<td>' + esc(tx.recipient) + '</td>' +
                '<td class="amount mono">' + fmtAmt(tx.amount) + ' ' + esc(tx.currency) + '</td>' +
                '<td><span class="status ' + esc(tx.status) + '">' + esc(tx.status) + '</span></td></tr>'
            ).join('');
        }

        function describe(ev) {
            const d = ev.data || {};
            switch (ev.type) {
                case 'alert':
                    return '[' + (d.severity || '').toUpperCase() + '] ' + (d.message || d.alertType || '');
                case 'dispute':
                    return (d.id || '') + ' ' + (d.previousStatus || '?') + ' → ' + (d.status || '?');
                case 'breaker':
                    return (d.key || '') + ' ' + (d.from || '?') + ' → ' + (d.to || '?');
                default:
                    return JSON.stringify(d);
            }
        }

        const feed = document.getElementById('feed');
        function pushEvent(ev) {
            const empty = document.getElementById('feed-empty');
            if (empty) empty.remove();
            const item = document.createElement('div');
            item.className = 'feed-item';
            item.innerHTML = '<span class="badge ' + esc(ev.type) + '">' + esc(ev.type) + '</span>' +
                '<span class="msg">' + esc(describe(ev)) + '</span>' +
                '<span class="time">' + fmtTime(ev.timestamp) + '</span>';
            feed.prepend(item);
            while (feed.children.length > 50) feed.lastChild.remove();
        }

        function connectWS() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(proto + '//' + location.host + '/v1/ws');
            ws.onmessage = e => {
                try { pushEvent(JSON.parse(e.data)); } catch {}
            };
            ws.onclose = () => setTimeout(connectWS, 3000);
        }

        loadInfo();
        loadData();
        connectWS();

        // Refresh every 5s
        setInterval(loadData, 5000);
    </script>
</body>
</html>`

// dashboardHandler serves the ops dashboard
func dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}
