package dashboard

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>pagetrace</title>
    <style>
        body { font: 13px/1.5 Menlo, Consolas, monospace; margin: 0; background: #f7f7f7; color: #232323; }
        header { background: #232323; color: #fff; padding: 10px 16px; }
        #status { float: right; color: #999; }
        #traces { padding: 12px 16px; }
        details { background: #fff; border: 1px solid #e5e5e5; margin-bottom: 8px; padding: 6px 10px; }
        summary { cursor: pointer; font-weight: 700; }
        h4 { margin: 8px 0 2px; }
        ol { margin: 0; padding-left: 24px; }
        .role-error li { color: #F4006B; }
        .role-sql li { color: #009bb4; }
    </style>
</head>
<body>
<header>pagetrace <span id="status">connecting</span></header>
<div id="traces"></div>
<script>
(function () {
    var list = document.getElementById('traces');
    var status = document.getElementById('status');

    function text(v) {
        return typeof v === 'string' ? v : JSON.stringify(v);
    }

    function entries(payload) {
        if (payload === null || payload === '' ) { return []; }
        if (Array.isArray(payload)) { return payload.map(function (v) { return text(v); }); }
        if (typeof payload === 'object') {
            return Object.keys(payload).map(function (k) { return k + ' : ' + text(payload[k]); });
        }
        return [text(payload)];
    }

    function show(trace) {
        var d = document.createElement('details');
        var s = document.createElement('summary');
        s.textContent = trace.timestamp + ' ' + trace.request_line;
        d.appendChild(s);
        (trace.tabs || []).forEach(function (tab) {
            var h = document.createElement('h4');
            h.textContent = tab.title;
            var ol = document.createElement('ol');
            ol.className = 'role-' + tab.role;
            entries(tab.payload).forEach(function (line) {
                var li = document.createElement('li');
                li.textContent = line;
                ol.appendChild(li);
            });
            d.appendChild(h);
            d.appendChild(ol);
        });
        list.insertBefore(d, list.firstChild);
    }

    function connect() {
        var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
        var ws = new WebSocket(proto + location.host + '/ws');
        ws.onopen = function () { status.textContent = 'live'; };
        ws.onclose = function () {
            status.textContent = 'disconnected';
            setTimeout(connect, 2000);
        };
        ws.onmessage = function (e) {
            var msg = JSON.parse(e.data);
            if (msg.type === 'trace') { show(msg.data); }
        };
    }
    connect();
})();
</script>
</body>
</html>
`
