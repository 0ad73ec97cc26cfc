package webmonitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Parking Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #1d1d1d; border-radius: 6px; padding: 12px; }
        img { width: 100%; height: auto; background: #000; }
        table { width: 100%; border-collapse: collapse; }
        td, th { padding: 4px 6px; text-align: left; border-bottom: 1px solid #333; }
        .Occupied { color: #ff5050; font-weight: bold; }
        .Open { color: #40d040; font-weight: bold; }
        .hit { background: #3a3300; }
        #transport { font-size: 12px; color: #999; }
    </style>
</head>
<body>
<div class="app">
    <div class="panel">
        <h2>Live preview</h2>
        <img id="stream" src="/stream" alt="Annotated preview">
        <p><a href="/charts/occupancy">Occupancy chart</a> · <a href="/api/epochs">Recent epochs</a></p>
    </div>
    <div class="panel">
        <h2>Spaces <span id="summary"></span></h2>
        <p id="transport">connecting...</p>
        <table>
            <thead><tr><th>ID</th><th>Status</th><th>Ratio</th></tr></thead>
            <tbody id="spaces"></tbody>
        </table>
    </div>
</div>
<script>
function render(snap) {
    const rows = snap.spaces.map(s =>
        '<tr class="' + (s.hit ? 'hit' : '') + '"><td>' + s.id + '</td>' +
        '<td class="' + s.status + '">' + s.status + '</td>' +
        '<td>' + s.ratio.toFixed(2) + '</td></tr>');
    document.getElementById('spaces').innerHTML = rows.join('');
    document.getElementById('summary').textContent =
        '(' + snap.occupied + '/' + snap.spaces.length + ' occupied, epoch ' + snap.epoch + ')';
}

function useSSE() {
    document.getElementById('transport').textContent = 'server-sent events';
    const es = new EventSource('/api/spaces/stream');
    es.onmessage = ev => render(JSON.parse(ev.data));
}

async function useWebRTC() {
    const pc = new RTCPeerConnection();
    const dc = pc.createDataChannel('occupancy');
    dc.onmessage = ev => render(JSON.parse(ev.data));
    dc.onopen = () => { document.getElementById('transport').textContent = 'webrtc data channel'; };
    await pc.setLocalDescription(await pc.createOffer());
    await new Promise(resolve => {
        if (pc.iceGatheringState === 'complete') return resolve();
        pc.onicegatheringstatechange = () => { if (pc.iceGatheringState === 'complete') resolve(); };
        setTimeout(resolve, 2000);
    });
    const resp = await fetch('/api/webrtc/offer', {
        method: 'POST',
        headers: {'Content-Type': 'application/json'},
        body: JSON.stringify(pc.localDescription),
    });
    if (!resp.ok) throw new Error('offer rejected: ' + resp.status);
    await pc.setRemoteDescription(await resp.json());
    await new Promise((resolve, reject) => {
        dc.addEventListener('open', resolve);
        setTimeout(() => reject(new Error('data channel timeout')), 5000);
    });
}

useWebRTC().catch(() => useSSE());
</script>
</body>
</html>
`
