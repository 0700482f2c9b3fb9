package api

// docsHTML renders the OpenAPI document with Stoplight Elements.
const docsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>TV Backtest API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    .links {
      position: fixed; top: 12px; right: 16px; z-index: 9999;
      display: flex; gap: 8px;
      font: 500 12px -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
    }
    .links a {
      background: #161b22; border: 1px solid #30363d; border-radius: 6px;
      color: #58a6ff; padding: 5px 12px; text-decoration: none;
    }
  </style>
</head>
<body style="height: 100vh; margin: 0;">
  <div class="links">
    <a href="/api/v1/plan">Account plan</a>
    <a href="/docs/relay">Frame relay</a>
  </div>
  <elements-api apiDescriptionUrl="/openapi.json" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin" darkMode />
</body>
</html>`
