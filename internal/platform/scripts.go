package platform

// observerScript installs the page-side observers and reports every event
// through the CDP binding as a JSON payload matching bindingPayload.
const observerScript = `(() => {
  if (window.__pageMonitorInstalled) return;
  window.__pageMonitorInstalled = true;
  const report = (obj) => {
    try { window.` + bindingName + `(JSON.stringify(obj)); } catch (e) {}
  };
  const sel = (el) => {
    if (!el || !el.tagName) return '';
    let s = el.tagName.toLowerCase();
    if (el.id) return s + '#' + el.id;
    if (el.classList && el.classList.length) s += '.' + el.classList[0];
    const p = el.parentElement;
    if (p) {
      const idx = Array.prototype.indexOf.call(p.children, el);
      s += ':nth-child(' + (idx + 1) + ')';
    }
    return s;
  };
  const now = () => new Date().toISOString();

  new MutationObserver((records) => {
    report({kind: 'mutation', mutation: {timestamp: now(), mutations: records.slice(0, 50).map(r => ({
      type: r.type,
      selector: sel(r.target),
      added: r.addedNodes ? r.addedNodes.length : 0,
      removed: r.removedNodes ? r.removedNodes.length : 0,
      attribute: r.attributeName || ''
    }))}});
  }).observe(document.documentElement, {childList: true, subtree: true, attributes: true, characterData: true});

  const io = new IntersectionObserver((entries) => {
    for (const e of entries) {
      report({kind: 'visibility', visible: {timestamp: now(), selector: sel(e.target), ratio: e.intersectionRatio}});
    }
  }, {threshold: [0, 0.25, 0.5, 0.75, 1]});
  for (const el of document.querySelectorAll('section, article, main, nav, aside, form, table, img, h1, h2, h3')) io.observe(el);

  new ResizeObserver((entries) => {
    for (const e of entries) {
      report({kind: 'resize', resize: {timestamp: now(), selector: sel(e.target),
        width: Math.round(e.contentRect.width), height: Math.round(e.contentRect.height)}});
    }
  }).observe(document.documentElement);
  window.addEventListener('resize', () => {
    report({kind: 'resize', resize: {timestamp: now(), selector: '', width: window.innerWidth, height: window.innerHeight}});
  });

  const interact = (type) => (ev) => {
    const t = ev.target;
    let value = '';
    if (type === 'input' && t && typeof t.value === 'string') {
      value = t.type === 'password' ? '' : t.value.slice(0, 100);
    }
    report({kind: 'interaction', interact: {timestamp: now(), type, selector: sel(t), value}});
  };
  for (const type of ['click', 'input', 'submit', 'focus', 'blur']) {
    document.addEventListener(type, interact(type), {capture: true, passive: true});
  }
  let scrollArmed = true;
  document.addEventListener('scroll', () => {
    if (!scrollArmed) return;
    scrollArmed = false;
    setTimeout(() => { scrollArmed = true; }, 250);
    report({kind: 'interaction', interact: {timestamp: now(), type: 'scroll', selector: '', value: String(window.scrollY)}});
  }, {capture: true, passive: true});
})();`

// snapshotScript serializes the current document into the PageSnapshot shape.
// Depth and fan-out are capped so a pathological page cannot blow up the
// payload.
const snapshotScript = `(() => {
  const sel = (el) => el && el.tagName ? el.tagName.toLowerCase() + (el.id ? '#' + el.id : '') : '';
  const visible = (el) => {
    const r = el.getBoundingClientRect ? el.getBoundingClientRect() : null;
    if (!r || r.width === 0 || r.height === 0) return false;
    const st = window.getComputedStyle(el);
    return st.display !== 'none' && st.visibility !== 'hidden';
  };
  const keepAttrs = ['href', 'src', 'alt', 'name', 'type', 'action', 'method', 'class', 'id', 'role'];
  const node = (el, depth) => {
    if (!el || !el.tagName || depth > 12) return null;
    const attrs = {};
    for (const a of keepAttrs) {
      const v = el.getAttribute && el.getAttribute(a);
      if (v) attrs[a] = String(v).slice(0, 200);
    }
    let text = '';
    for (const c of el.childNodes) {
      if (c.nodeType === 3) text += c.textContent;
    }
    const r = el.getBoundingClientRect ? el.getBoundingClientRect() : {width: 0, height: 0};
    const children = [];
    for (const c of el.children) {
      if (children.length >= 60) break;
      const n = node(c, depth + 1);
      if (n) children.push(n);
    }
    return {
      tag: el.tagName.toLowerCase(),
      attrs,
      text: text.trim().slice(0, 500),
      visible: visible(el),
      width: Math.round(r.width),
      height: Math.round(r.height),
      children
    };
  };
  const meta = {};
  for (const m of document.querySelectorAll('meta[name], meta[property]')) {
    const k = m.getAttribute('name') || m.getAttribute('property');
    const v = m.getAttribute('content');
    if (k && v) meta[k] = v.slice(0, 300);
  }
  const doc = document.documentElement;
  return {
    url: location.href,
    title: document.title,
    meta,
    root: node(document.body || doc, 0),
    viewport: {width: window.innerWidth, height: window.innerHeight},
    scroll: {
      x: Math.round(window.scrollX),
      y: Math.round(window.scrollY),
      max_y: Math.max(0, doc.scrollHeight - window.innerHeight),
      percent_y: doc.scrollHeight > window.innerHeight
        ? Math.round(100 * window.scrollY / (doc.scrollHeight - window.innerHeight)) : 0
    }
  };
})();`
