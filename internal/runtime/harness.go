package runtime

import "fmt"

// workerHarness generates the JS worker that wraps a bundled module. On boot
// it locates a callable render export ('render' preferred, then the default
// export) and reports the outcome; afterwards it serves line-delimited render
// requests from stdin until the stream closes.
func workerHarness(moduleSpecifier string) string {
	return fmt.Sprintf(`// NB SSR dev worker
import * as mod from %q;

const render = typeof mod.render === "function" ? mod.render
  : typeof mod.default === "function" ? mod.default
  : null;

console.log(%q + JSON.stringify({ render: render !== null }));

if (render !== null) {
  const decoder = new TextDecoder();
  let buffered = "";
  for await (const chunk of Deno.stdin.readable) {
    buffered += decoder.decode(chunk, { stream: true });
    let newline;
    while ((newline = buffered.indexOf("\n")) >= 0) {
      const line = buffered.slice(0, newline).trim();
      buffered = buffered.slice(newline + 1);
      if (!line.startsWith(%q)) continue;

      let req;
      try {
        req = JSON.parse(line.slice(%d));
      } catch (error) {
        console.log(%q + JSON.stringify({ id: "", message: "invalid render request: " + error.message }));
        continue;
      }

      try {
        const result = await render(req.page);
        console.log(%q + JSON.stringify({ id: req.id, result: result === undefined ? null : result }));
      } catch (error) {
        const message = error instanceof Error ? error.message : String(error);
        const payload = { id: req.id, message };
        if (error instanceof Error && error.stack) {
          payload.stack = error.stack;
        }
        console.log(%q + JSON.stringify(payload));
      }
    }
  }
}
`, moduleSpecifier, readyPrefix, renderPrefix, len(renderPrefix), errorPrefix, resultPrefix, errorPrefix)
}
