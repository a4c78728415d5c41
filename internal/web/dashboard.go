package web

const indexHTML = `<!DOCTYPE html>
<html lang="ru">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Bot Simulator Dashboard</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            background: linear-gradient(135deg, #0f0c29, #302b63, #24243e);
            color: #fff;
            min-height: 100vh;
            padding: 20px;
        }

        .container {
            max-width: 1400px;
            margin: 0 auto;
            display: grid;
            grid-template-columns: repeat(auto-fill, minmax(320px, 1fr));
            gap: 20px;
        }

        .card {
            background: rgba(255, 255, 255, 0.05);
            backdrop-filter: blur(10px);
            border-radius: 16px;
            padding: 24px;
            border: 1px solid rgba(255, 255, 255, 0.1);
            box-shadow: 0 8px 32px rgba(0, 0, 0, 0.3);
        }

        h1 { margin-bottom: 20px; font-size: 22px; }
        h2 { font-size: 18px; margin-bottom: 12px; }
        .row { display: flex; justify-content: space-between; margin: 6px 0; color: #ccc; }
        .row b { color: #fff; }
        .pos { color: #4ade80; }
        .neg { color: #f87171; }
        .bar { height: 8px; border-radius: 4px; background: rgba(255,255,255,0.1); margin: 12px 0; overflow: hidden; }
        .bar div { height: 100%; background: linear-gradient(90deg, #6366f1, #4ade80); }
        button {
            background: rgba(99, 102, 241, 0.3); color: #fff; border: 1px solid rgba(99, 102, 241, 0.6);
            border-radius: 8px; padding: 6px 14px; cursor: pointer; margin-right: 6px;
        }
    </style>
</head>
<body>
    <h1>🤖 Симулятор торговых ботов</h1>
    <div class="container" id="bots"></div>
    <script>
        const fmt = v => (v >= 0 ? '+' : '') + v.toFixed(2);

        async function action(id, action) {
            await fetch('/api/bots/' + id + '/action', {
                method: 'POST',
                headers: {'Content-Type': 'application/json'},
                body: JSON.stringify({action})
            });
            refresh();
        }

        async function refresh() {
            const bots = await (await fetch('/api/bots')).json();
            const cards = await Promise.all(bots.map(async b => {
                const p = await (await fetch('/api/bots/' + b.id + '/progress')).json();
                const pct = Math.max(0, Math.min(150, p.progress.percent_target));
                return '<div class="card">' +
                    '<h2>' + (b.running ? '▶️ ' : '⏸️ ') + b.name + '</h2>' +
                    '<div class="row">Сегодня <b class="' + (b.today_pl >= 0 ? 'pos' : 'neg') + '">' + fmt(b.today_pl) + ' / ' + p.progress.target_pnl.toFixed(2) + ' USDT</b></div>' +
                    '<div class="bar"><div style="width:' + (pct / 1.5) + '%"></div></div>' +
                    '<div class="row">Статус <b>' + p.progress.status + '</b></div>' +
                    '<div class="row">Слой <b>' + p.active_layer + '</b></div>' +
                    '<div class="row">Сделок сегодня <b>' + p.progress.trades_today + '</b></div>' +
                    '<div class="row">Осталось сделок <b>' + p.trades_remaining + '</b></div>' +
                    '<div class="row">Открытых позиций <b>' + b.open_positions + '</b></div>' +
                    '<div class="row">Винрейт <b>' + b.win_rate.toFixed(1) + '%</b></div>' +
                    '<div class="row">Общий P&L <b class="' + (b.total_pl >= 0 ? 'pos' : 'neg') + '">' + fmt(b.total_pl) + ' USDT</b></div>' +
                    '<div style="margin-top:12px">' +
                    (b.running
                        ? '<button onclick="action(\'' + b.id + '\', \'stop\')">Остановить</button>'
                        : '<button onclick="action(\'' + b.id + '\', \'start\')">Старт</button>') +
                    '<button onclick="action(\'' + b.id + '\', \'close_all\')">Закрыть все</button>' +
                    '</div></div>';
            }));
            document.getElementById('bots').innerHTML = cards.join('');
        }

        refresh();
        setInterval(refresh, 5000);
    </script>
</body>
</html>
`
