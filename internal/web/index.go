package web

// Status page: latest balance per wallet/currency and the detected pattern feed.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>balancewatch</title>
  <link href="https://fonts.googleapis.com/css2?family=Press+Start+2P&family=Space+Mono:wght@400;700&display=swap" rel="stylesheet">
  <style>
    :root { --bg:#ffffff; --ink:#111111; --ink-mid:#4d4d4d; --ink-soft:#9c9c9c; --panel:#f6f6f6; }
    * { box-sizing:border-box; }
    body {
      margin:0; min-height:100vh; padding:2rem;
      background:var(--bg); color:var(--ink);
      font-family:'Space Mono','JetBrains Mono',monospace;
    }
    #app {
      width:min(1400px, 96vw); margin:0 auto;
      background:var(--panel); border:3px solid var(--ink); padding:2rem;
      box-shadow:12px 12px 0 rgba(0,0,0,.15);
      display:grid; grid-template-columns:1fr 420px; gap:2rem;
    }
    header { display:flex; justify-content:space-between; align-items:flex-start; gap:1rem; grid-column:1 / -1; }
    .eyebrow { font-family:'Press Start 2P','Space Mono',monospace; font-size:.55rem; text-transform:uppercase; letter-spacing:.2em; margin:0; }
    .status { font-size:.65rem; text-transform:uppercase; letter-spacing:.1em; border:2px solid var(--ink); padding:.4rem .9rem; background:#fff; }
    table { width:100%; border-collapse:collapse; background:#fff; border:3px solid var(--ink); font-size:.75rem; }
    th, td { text-align:left; padding:.6rem .8rem; border-bottom:1px dashed var(--ink-soft); }
    th { text-transform:uppercase; letter-spacing:.12em; font-size:.6rem; color:var(--ink-mid); }
    td.num { text-align:right; font-weight:700; }
    .feed { display:flex; flex-direction:column; gap:1rem; max-height:calc(100vh - 10rem); overflow-y:auto; }
    .card { border:2px solid var(--ink); padding:1rem; background:#fff; box-shadow:4px 4px 0 rgba(0,0,0,.12); font-size:.7rem; line-height:1.4; }
    .kind { font-weight:700; text-transform:uppercase; letter-spacing:.1em; }
    .kind.swap { color:#1b9aaa; }
    .kind.card_payment { color:#d7263d; }
    .kind.transfer { color:#3c91e6; }
    .kind.card_topup { color:#ff7f11; }
    .meta { color:var(--ink-mid); font-size:.6rem; margin-top:.4rem; }
    .empty { border:2px dashed var(--ink-soft); padding:2rem; text-align:center; font-size:.75rem; text-transform:uppercase; color:var(--ink-mid); }
    @media (max-width:900px) { #app { grid-template-columns:1fr; } }
  </style>
</head>
<body>
  <div id="app">
    <header>
      <p class="eyebrow">balancewatch</p>
      <div id="sse-status" class="status">Connecting…</div>
    </header>
    <section>
      <table>
        <thead><tr><th>Wallet</th><th>Currency</th><th>Balance</th><th>Source</th><th>Updated</th></tr></thead>
        <tbody id="balances"><tr><td colspan="5" class="empty">Waiting for balance snapshots…</td></tr></tbody>
      </table>
    </section>
    <aside class="feed" id="patterns"></aside>
  </div>
<script>
const statusEl = document.getElementById('sse-status');
const balancesEl = document.getElementById('balances');
const patternsEl = document.getElementById('patterns');
const rows = new Map();
const MAX_PATTERNS = 100;

const fmtTime = (ts) => {
  const d = new Date(ts);
  return Number.isNaN(d.getTime()) ? '' : d.toLocaleString([], { hour12:false });
};

function renderBalance(s){
  const key = s.wallet_id + '/' + s.currency;
  let row = rows.get(key);
  if(!row){
    if(rows.size === 0){ balancesEl.innerHTML = ''; }
    row = document.createElement('tr');
    row.innerHTML = '<td></td><td></td><td class="num"></td><td></td><td></td>';
    balancesEl.appendChild(row);
    rows.set(key, row);
  }
  const cells = row.children;
  cells[0].textContent = s.wallet_id;
  cells[1].textContent = s.currency;
  cells[2].textContent = s.balance;
  cells[3].textContent = s.source;
  cells[4].textContent = fmtTime(s.ts);
}

function describe(e){
  switch(e.kind){
    case 'swap': return e.swap.from_amount + ' ' + e.swap.from_currency + ' → ' + e.swap.to_amount + ' ' + e.swap.to_currency + ' (' + e.swap.wallet_id + ')';
    case 'card_payment': return e.card_payment.amount + ' ' + e.card_payment.currency + ' (' + e.card_payment.wallet_id + ')';
    case 'transfer': return e.transfer.amount + ' ' + e.transfer.currency + ' ' + e.transfer.from_wallet_id + ' → ' + e.transfer.to_wallet_id;
    case 'card_topup': return e.topup.amount + ' (fee ' + e.topup.fee + ') ' + e.topup.wallet_id;
    default: return '';
  }
}

function confidenceOf(e){
  const p = e.swap || e.card_payment || e.transfer || e.topup || {};
  return typeof p.confidence === 'number' ? (p.confidence * 100).toFixed(1) + '%' : '';
}

function renderPattern(e){
  const card = document.createElement('div');
  card.className = 'card';
  const kind = document.createElement('div');
  kind.className = 'kind ' + e.kind;
  kind.textContent = e.kind.replace(/_/g, ' ');
  const body = document.createElement('div');
  body.textContent = describe(e);
  const meta = document.createElement('div');
  meta.className = 'meta';
  meta.textContent = e.user_id + ' · ' + confidenceOf(e) + ' · ' + fmtTime(e.detected_at);
  card.append(kind, body, meta);
  patternsEl.insertBefore(card, patternsEl.firstChild);
  while(patternsEl.children.length > MAX_PATTERNS){
    patternsEl.removeChild(patternsEl.lastChild);
  }
}

const lastIds = new Map();

function connect(path, event, handler){
  const after = lastIds.get(path);
  const source = new EventSource(after ? path + '?after=' + after : path);
  source.addEventListener('open', () => { statusEl.textContent = 'Status: receiving data'; });
  source.addEventListener(event, (msg) => {
    if(msg.lastEventId){ lastIds.set(path, msg.lastEventId); }
    try{ handler(JSON.parse(msg.data)); }catch(err){ console.error(event + ' parse', err); }
  });
  source.addEventListener('error', () => {
    statusEl.textContent = 'Reconnecting…';
    source.close();
    setTimeout(() => connect(path, event, handler), 2000);
  });
}

connect('/balance/stream', 'balance', renderBalance);
connect('/patterns/stream', 'pattern', renderPattern);
</script>
</body>
</html>`
