package main

// script injected before navigation to track the latest LCP candidate
const lcpObserverScript = `(() => {
	window.__lcp = 0;

	new PerformanceObserver((list) => {
		const entries = list.getEntries();
		const lastEntry = entries[entries.length - 1]; // use latest LCP candidate

		window.__lcp = lastEntry.renderTime || lastEntry.startTime || 0;
	}).observe({ type: "largest-contentful-paint", buffered: true });
})();`

// script injected before navigation to capture uncaught errors and
// console.error calls
const consoleErrorScript = `(() => {
	window.__console_errors = [];

	window.addEventListener('error', (e) => {
		if (e.target && (e.target.src || e.target.href)) {
			return; // resource failures are counted from network events
		}
		window.__console_errors.push("[Uncaught JS Error]: " + e.message + " at " + e.filename + ":" + e.lineno);
	}, true);

	window.addEventListener('unhandledrejection', (e) => {
		window.__console_errors.push("[Unhandled Promise Rejection]: " + (e.reason ? e.reason.message : "Unknown"));
	});

	const originalConsoleError = console.error;
	console.error = (...args) => {
		window.__console_errors.push("[Error]: " + args.map(String).join(' '));
		originalConsoleError.apply(console, args);
	};
})();`

// script returning navigation and paint timings in milliseconds
const timingScript = `(() => {
	const nav = performance.getEntriesByType('navigation')[0];
	const fcp = performance.getEntriesByName('first-contentful-paint')[0];

	return {
		ttfb: nav ? nav.responseStart - nav.startTime : 0,
		domContentLoaded: nav ? nav.domContentLoadedEventEnd - nav.startTime : 0,
		load: nav ? nav.loadEventEnd - nav.startTime : 0,
		firstContentfulPaint: fcp ? fcp.startTime : 0,
		largestContentfulPaint: window.__lcp || 0,
	};
})()`

// script collecting layout problems that matter on small screens
const responsiveScript = `(() => {
	const issues = [];

	const viewportTag = document.querySelector('meta[name="viewport"]');
	if (!viewportTag) {
		issues.push("No viewport meta tag");
	} else if (!(viewportTag.getAttribute('content') || '').includes('width=device-width')) {
		issues.push("Viewport meta tag has an invalid width attribute");
	}

	if (document.documentElement.scrollWidth > document.documentElement.clientWidth) {
		issues.push("Has horizontal scrollbar");
	}

	const smallTapTargets = Array.from(
		document.querySelectorAll('a, button, input, select, textarea, [role="button"]')
	).filter(el => {
		if (el.offsetParent === null) return false; // skip invisible elements
		const rect = el.getBoundingClientRect();
		return (rect.width < 44 || rect.height < 44) && rect.width > 0 && rect.height > 0;
	}).length;
	if (smallTapTargets > 0) {
		issues.push("Has " + smallTapTargets + " small tap targets");
	}

	const smallText = Array.from(document.querySelectorAll('p, span, a, li, td, th'))
		.filter(el => {
			if (el.offsetParent === null || !el.textContent.trim()) return false;
			return parseFloat(window.getComputedStyle(el).fontSize) < 12;
		}).length;
	if (smallText > 0) {
		issues.push("Has " + smallText + " elements with small text");
	}

	return issues;
})()`
