package fetch

const referralPage = `<html><body>
<div class="rchist-panel">
  <div>Total Players Register <span>:</span><span>1.234</span></div>
  <div>Total Active Minggu Ini <span>:</span><span>56</span></div>
</div>
<span class="refxxcode"><i>https://example.test/register?ref=ABC123</i></span>
<div id="refCommBnsPanel">
  <div style="border-bottom: 1px solid #ccc"><span>Slot</span><span>0.5%</span></div>
  <div style="border-bottom: 1px solid #ccc"><span>Casino</span><span>0.3%</span></div>
  <div style="border-bottom: 1px solid #ccc"><span>Only one</span></div>
  <div style="border-bottom: 1px solid #ccc"><span></span><span>1%</span></div>
</div>
</body></html>`

const downlinePage = `<table>
<tr><th>No</th><th>User</th><th>Turnover</th><th>Komisi</th></tr>
<tr data-ref="1"><td>1</td><td>alice</td><td>1.500.000</td><td>7.500</td></tr>
<tr data-ref="2"><td>2</td><td>bob</td><td>250.000</td><td>1.250</td></tr>
<tr data-ref="3"><td>3</td><td>short</td></tr>
</table>`
