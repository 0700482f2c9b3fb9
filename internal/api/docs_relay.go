package api

const relayDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Frame Relay · TV Backtest</title>
  <style>
    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
    }
    nav .brand { font-weight: 600; font-size: 15px; color: #e6edf3; }
    main { max-width: 860px; margin: 0 auto; padding: 32px 24px 64px; }
    h1 { color: #e6edf3; font-size: 24px; }
    h2 { color: #e6edf3; font-size: 18px; border-bottom: 1px solid #21262d; padding-bottom: 6px; margin-top: 36px; }
    code { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; font-size: 12.5px; background: #161b22; padding: 1px 5px; border-radius: 4px; }
    pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 14px 16px; overflow-x: auto; }
    pre code { background: none; padding: 0; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #30363d; padding: 6px 10px; text-align: left; vertical-align: top; }
    th { background: #161b22; color: #e6edf3; }
  </style>
</head>
<body>
  <nav>
    <span class="brand">TV Backtest</span>
    <a href="/docs">REST API</a>
    <a href="/docs/relay">Frame Relay</a>
  </nav>
  <main>
    <h1>Frame Relay</h1>
    <p>
      Every frame exchanged with the streaming servers can be republished as
      Server-Sent Events. Frames are decoded, matched against the configured
      feeds and pushed to subscribers. Nothing is decoded while no client is
      connected.
    </p>

    <h2>Endpoints</h2>
    <table>
      <tr><th>Path</th><th>Description</th></tr>
      <tr><td><code>GET /api/v1/relay/events</code></td><td>All feeds. Filter with <code>?feeds=quotes,studies</code>.</td></tr>
      <tr><td><code>GET /api/v1/quotes/stream?symbols=NASDAQ:AAPL,BINANCE:BTCUSDT</code></td><td>Quote updates for the listed symbols. Optional <code>fields=lp,ch,volume</code>.</td></tr>
    </table>

    <h2>Event format</h2>
    <p>The SSE event name is the feed name. The data line is one JSON object:</p>
    <pre><code>event: quotes
data: {"feed":"quotes","direction":"in","method":"qsd","session":"qs_Ab12Cd34Ef56","params":["qs_Ab12Cd34Ef56",{"n":"NASDAQ:AAPL","s":"ok","v":{"lp":213.4}}]}</code></pre>

    <h2>Feed configuration</h2>
    <p>
      Feeds are read from the YAML file named by <code>BACKTEST_RELAY_FEEDS</code>.
      Without it, the <code>quotes</code> and <code>studies</code> feeds below are used.
    </p>
    <pre><code>feeds:
  - name: quotes
    direction: in
    message_types: [qsd, quote_completed]
  - name: studies
    direction: in
    message_types: [study_error, study_completed, study_loading]
  - name: history
    sessions: [hs_]</code></pre>
    <table>
      <tr><th>Field</th><th>Meaning</th></tr>
      <tr><td><code>name</code></td><td>Required, unique. Used as the SSE event name.</td></tr>
      <tr><td><code>direction</code></td><td><code>in</code>, <code>out</code>, or empty for both.</td></tr>
      <tr><td><code>message_types</code></td><td>Protocol methods to match. Empty matches all.</td></tr>
      <tr><td><code>sessions</code></td><td>Session id prefixes such as <code>cs_</code>, <code>qs_</code> or <code>hs_</code>.</td></tr>
    </table>

    <h2>Example</h2>
    <pre><code>curl -N 'http://127.0.0.1:8190/api/v1/relay/events?feeds=studies'</code></pre>
  </main>
</body>
</html>`
